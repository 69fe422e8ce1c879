package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"relay-service/internal/models"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotMember    = errors.New("user is not a room member")
)

// RoomRepository abstracts room and membership persistence.
type RoomRepository interface {
	FindDirectRoom(ctx context.Context, userA, userB int) (models.Room, error)
	CreateDirectRoom(ctx context.Context, userA, userB int) (models.Room, error)
	FindProjectRoom(ctx context.Context, projectID int) (models.Room, error)
	CreateProjectRoom(ctx context.Context, projectID int, memberIDs []int) (models.Room, error)
	GetRoom(ctx context.Context, roomID int) (models.Room, error)
	IsMember(ctx context.Context, roomID, userID int) (bool, error)
	AddMember(ctx context.Context, roomID, userID int) error
	RemoveMember(ctx context.Context, roomID, userID int) error
	DeleteRoom(ctx context.Context, roomID int) error
}

// RoomRepo is a sqlx implementation of RoomRepository.
type RoomRepo struct {
	db *sqlx.DB
}

// NewRoomRepo constructs a RoomRepo.
func NewRoomRepo(db *sqlx.DB) *RoomRepo {
	return &RoomRepo{db: db}
}

const roomColumns = `id, kind, project_id, member_key, created_at, updated_at`

// FindDirectRoom looks up the direct room of an unordered user pair.
func (r *RoomRepo) FindDirectRoom(ctx context.Context, userA, userB int) (models.Room, error) {
	return r.getBy(ctx, `SELECT `+roomColumns+` FROM rooms WHERE member_key=$1`, models.DirectKey(userA, userB))
}

// CreateDirectRoom inserts the direct room of a pair. A concurrent insert of
// the same pair loses on the unique member_key and refetches the winner.
func (r *RoomRepo) CreateDirectRoom(ctx context.Context, userA, userB int) (models.Room, error) {
	key := models.DirectKey(userA, userB)
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Room{}, err
	}
	defer tx.Rollback()

	var room models.Room
	err = tx.GetContext(ctx, &room, `INSERT INTO rooms (kind, member_key) VALUES ($1, $2)
        ON CONFLICT (member_key) DO NOTHING RETURNING `+roomColumns, models.RoomKindDirect, key)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return r.FindDirectRoom(ctx, userA, userB)
	}
	if err != nil {
		return models.Room{}, fmt.Errorf("insert direct room: %w", err)
	}

	for _, id := range []int{userA, userB} {
		if _, err = tx.ExecContext(ctx, `INSERT INTO room_members (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, room.ID, id); err != nil {
			return models.Room{}, fmt.Errorf("insert direct member: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return models.Room{}, err
	}
	room.MemberIDs = []int{userA, userB}
	return room, nil
}

// FindProjectRoom fetches the room owned by a project.
func (r *RoomRepo) FindProjectRoom(ctx context.Context, projectID int) (models.Room, error) {
	return r.getBy(ctx, `SELECT `+roomColumns+` FROM rooms WHERE project_id=$1`, projectID)
}

// CreateProjectRoom creates the project room with its initial members.
// Creating an already existing project room returns the existing one.
func (r *RoomRepo) CreateProjectRoom(ctx context.Context, projectID int, memberIDs []int) (models.Room, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Room{}, err
	}
	defer tx.Rollback()

	var room models.Room
	err = tx.GetContext(ctx, &room, `INSERT INTO rooms (kind, project_id) VALUES ($1, $2)
        ON CONFLICT (project_id) DO NOTHING RETURNING `+roomColumns, models.RoomKindProject, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return r.FindProjectRoom(ctx, projectID)
	}
	if err != nil {
		return models.Room{}, fmt.Errorf("insert project room: %w", err)
	}

	ids := dedupe(memberIDs)
	for _, id := range ids {
		if _, err = tx.ExecContext(ctx, `INSERT INTO room_members (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, room.ID, id); err != nil {
			return models.Room{}, fmt.Errorf("insert project member: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return models.Room{}, err
	}
	room.MemberIDs = ids
	return room, nil
}

// GetRoom fetches a room and its members.
func (r *RoomRepo) GetRoom(ctx context.Context, roomID int) (models.Room, error) {
	return r.getBy(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id=$1`, roomID)
}

// IsMember checks membership, failing with ErrRoomNotFound for unknown rooms.
func (r *RoomRepo) IsMember(ctx context.Context, roomID, userID int) (bool, error) {
	var row struct {
		RoomExists bool `db:"room_exists"`
		Member     bool `db:"member"`
	}
	err := r.db.GetContext(ctx, &row, `SELECT
        EXISTS(SELECT 1 FROM rooms WHERE id=$1) AS room_exists,
        EXISTS(SELECT 1 FROM room_members WHERE room_id=$1 AND user_id=$2) AS member`, roomID, userID)
	if err != nil {
		return false, err
	}
	if !row.RoomExists {
		return false, ErrRoomNotFound
	}
	return row.Member, nil
}

// AddMember adds a user to a room; adding an existing member is a no-op.
func (r *RoomRepo) AddMember(ctx context.Context, roomID, userID int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE rooms SET updated_at=NOW() WHERE id=$1`, roomID)
	if err := notFoundIfUnaffected(res, err); err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO room_members (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, roomID, userID)
	return err
}

// RemoveMember removes a user from a room; removing a non-member is a no-op.
func (r *RoomRepo) RemoveMember(ctx context.Context, roomID, userID int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE rooms SET updated_at=NOW() WHERE id=$1`, roomID)
	if err := notFoundIfUnaffected(res, err); err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `DELETE FROM room_members WHERE room_id=$1 AND user_id=$2`, roomID, userID)
	return err
}

// DeleteRoom removes a room with its members and messages.
func (r *RoomRepo) DeleteRoom(ctx context.Context, roomID int) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rooms WHERE id=$1`, roomID)
	return notFoundIfUnaffected(res, err)
}

func (r *RoomRepo) getBy(ctx context.Context, query string, arg any) (models.Room, error) {
	var room models.Room
	err := r.db.GetContext(ctx, &room, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, ErrRoomNotFound
	}
	if err != nil {
		return models.Room{}, err
	}
	if err := r.db.SelectContext(ctx, &room.MemberIDs, `SELECT user_id FROM room_members WHERE room_id=$1 ORDER BY joined_at, user_id`, room.ID); err != nil {
		return models.Room{}, err
	}
	return room, nil
}

func notFoundIfUnaffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func dedupe(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
