package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"relay-service/internal/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// MessageRepository defines message persistence.
type MessageRepository interface {
	// AppendMessage stores a message only if the sender is a member of the
	// room at append time.
	AppendMessage(ctx context.Context, roomID, senderID int, content string, at time.Time) (models.Message, error)
	// ListMessages returns up to limit messages older than beforeID (0 = newest),
	// in ascending order.
	ListMessages(ctx context.Context, roomID, limit, beforeID int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// AppendMessage inserts the message guarded by a membership check in the same
// statement so a concurrent removal cannot slip a message through.
func (r *MessageRepo) AppendMessage(ctx context.Context, roomID, senderID int, content string, at time.Time) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `INSERT INTO room_messages (room_id, sender_id, content, created_at)
        SELECT $1, $2, $3, $4
        WHERE EXISTS(SELECT 1 FROM room_members WHERE room_id=$1 AND user_id=$2)
        RETURNING id, room_id, sender_id, content, created_at`, roomID, senderID, content, at)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM rooms WHERE id=$1)`, roomID); err != nil {
			return models.Message{}, err
		}
		if !exists {
			return models.Message{}, ErrRoomNotFound
		}
		return models.Message{}, ErrNotMember
	}
	return msg, err
}

// ListMessages returns a page of history ordered by append order.
func (r *MessageRepo) ListMessages(ctx context.Context, roomID, limit, beforeID int) ([]models.Message, error) {
	limit = clampLimit(limit)
	query := `SELECT id, room_id, sender_id, content, created_at FROM room_messages
        WHERE room_id=$1 AND ($2 = 0 OR id < $2)
        ORDER BY id DESC LIMIT $3`
	var msgs []models.Message
	if err := r.db.SelectContext(ctx, &msgs, query, roomID, beforeID, limit); err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultHistoryLimit
	case limit > maxHistoryLimit:
		return maxHistoryLimit
	}
	return limit
}

func reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
