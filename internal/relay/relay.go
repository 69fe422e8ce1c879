// Package relay appends chat messages and fans them out to the connections
// subscribed to a room.
package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"relay-service/internal/dispatch"
	"relay-service/internal/models"
	"relay-service/internal/observability"
	"relay-service/internal/registry"
	"relay-service/internal/repositories"
	"relay-service/internal/users"
)

type Options struct {
	StoreTimeout time.Duration
	// Now stamps messages; defaults to time.Now in UTC.
	Now func() time.Time
}

type Relay struct {
	messages repositories.MessageRepository
	rooms    repositories.RoomRepository
	profiles users.ProfileSource
	registry *registry.Registry
	dispatch *dispatch.Dispatcher
	timeout  time.Duration
	now      func() time.Time
}

func New(messages repositories.MessageRepository, rooms repositories.RoomRepository, profiles users.ProfileSource, reg *registry.Registry, disp *dispatch.Dispatcher, opts Options) *Relay {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Relay{
		messages: messages,
		rooms:    rooms,
		profiles: profiles,
		registry: reg,
		dispatch: disp,
		timeout:  opts.StoreTimeout,
		now:      opts.Now,
	}
}

// SendMessage persists text as a message from the connection's user and
// broadcasts it to the room's subscribers. Append and broadcast run as one
// step on the room worker, so every subscriber sees the room's messages in
// append order and a later subscriber sees none of the earlier ones.
func (r *Relay) SendMessage(ctx context.Context, conn registry.ConnID, roomID int, text string) (models.ReceiveMessage, error) {
	ctx, span := observability.Tracer().Start(ctx, "relay.SendMessage")
	defer span.End()
	span.SetAttributes(attribute.Int("room.id", roomID))

	userID, ok := r.registry.UserOf(conn)
	if !ok {
		return models.ReceiveMessage{}, ErrUnbound
	}
	content := strings.TrimSpace(text)
	if content == "" {
		return models.ReceiveMessage{}, ErrEmptyMessage
	}

	sender := r.resolveSender(ctx, userID)

	var (
		out     models.ReceiveMessage
		sendErr error
	)
	err := r.dispatch.Do(ctx, dispatch.RoomKey(roomID), func() {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		start := time.Now()
		msg, err := r.messages.AppendMessage(sctx, roomID, userID, content, r.now())
		observability.ObserveStore("append_message", start)
		if err != nil {
			sendErr = StoreError("append message", err)
			return
		}

		out = models.ReceiveMessage{
			MessageID: msg.ID,
			RoomID:    roomID,
			Sender:    sender,
			Content:   msg.Content,
			Timestamp: msg.CreatedAt,
		}
		frame, err := models.EncodeFrame(models.EventReceiveMessage, "", out)
		if err != nil {
			sendErr = err
			return
		}
		for _, failed := range r.registry.Broadcast(r.registry.ConnectionsInRoom(roomID), frame, "") {
			observability.IncDeliveryFailure()
			log.Warn().Str("conn_id", string(failed)).Int("room_id", roomID).Msg("receive_message not delivered")
		}
	})
	if err == nil {
		err = sendErr
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrPersistence) {
			log.Error().Err(err).Int("room_id", roomID).Int("user_id", userID).Msg("send message failed")
		}
		return models.ReceiveMessage{}, err
	}
	return out, nil
}

// History returns up to limit messages older than beforeID in ascending
// order. userID must be a member of the room.
func (r *Relay) History(ctx context.Context, roomID, userID, limit, beforeID int) ([]models.Message, error) {
	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	member, err := r.rooms.IsMember(sctx, roomID, userID)
	if err != nil {
		return nil, StoreError("check membership", err)
	}
	if !member {
		return nil, ErrNotAMember
	}

	start := time.Now()
	msgs, err := r.messages.ListMessages(sctx, roomID, limit, beforeID)
	observability.ObserveStore("list_messages", start)
	if err != nil {
		return nil, StoreError("list messages", err)
	}
	return msgs, nil
}

// resolveSender never fails: a missing profile leaves only the sender id.
func (r *Relay) resolveSender(ctx context.Context, userID int) models.Sender {
	sender := models.Sender{ID: userID}
	if r.profiles == nil {
		return sender
	}

	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	profile, err := r.profiles.GetProfile(pctx, userID)
	if err != nil {
		log.Warn().Err(err).Int("user_id", userID).Msg("sender profile unavailable")
		return sender
	}
	sender.Name = profile.Name
	sender.Picture = profile.Picture
	sender.Username = profile.Username
	return sender
}
