// Package rooms owns room membership: direct and project rooms in the store
// and the transport-level subscriptions kept in the registry.
package rooms

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"relay-service/internal/dispatch"
	"relay-service/internal/models"
	"relay-service/internal/observability"
	"relay-service/internal/registry"
	"relay-service/internal/relay"
	"relay-service/internal/repositories"
	"relay-service/internal/telemetry"
)

// CallEvictor drops call participants whose room membership ended.
type CallEvictor interface {
	Evict(ctx context.Context, roomID int, match func(userID int) bool) error
}

type Options struct {
	// StrictJoin validates store membership before subscribing a connection.
	StrictJoin   bool
	StoreTimeout time.Duration
	Audit        *telemetry.AuditEmitter
	Calls        CallEvictor
}

type Service struct {
	rooms    repositories.RoomRepository
	registry *registry.Registry
	dispatch *dispatch.Dispatcher
	audit    *telemetry.AuditEmitter
	calls    CallEvictor
	group    singleflight.Group
	strict   bool
	timeout  time.Duration
}

func NewService(rooms repositories.RoomRepository, reg *registry.Registry, disp *dispatch.Dispatcher, opts Options) *Service {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	return &Service{
		rooms:    rooms,
		registry: reg,
		dispatch: disp,
		audit:    opts.Audit,
		calls:    opts.Calls,
		strict:   opts.StrictJoin,
		timeout:  opts.StoreTimeout,
	}
}

// JoinRoomTransport subscribes conn to the room's message stream. The
// membership check and the subscription run as one step on the room worker,
// so the join lands between two appends and a concurrent eviction of the user
// always runs after it.
func (s *Service) JoinRoomTransport(ctx context.Context, conn registry.ConnID, roomID, userID int) error {
	var joinErr error
	if err := s.dispatch.Do(ctx, dispatch.RoomKey(roomID), func() {
		if s.strict {
			member, err := s.IsMember(ctx, roomID, userID)
			if err != nil {
				joinErr = err
				return
			}
			if !member {
				joinErr = relay.ErrNotAMember
				return
			}
		}
		joinErr = s.registry.JoinRoom(conn, roomID)
	}); err != nil {
		return err
	}
	return joinErr
}

func (s *Service) LeaveRoomTransport(ctx context.Context, conn registry.ConnID, roomID int) error {
	var leaveErr error
	if err := s.dispatch.Do(ctx, dispatch.RoomKey(roomID), func() {
		leaveErr = s.registry.LeaveRoom(conn, roomID)
	}); err != nil {
		return err
	}
	return leaveErr
}

// FindOrCreateDirectRoom returns the single direct room for the unordered
// pair (a, b), creating it on first use.
func (s *Service) FindOrCreateDirectRoom(ctx context.Context, a, b int) (models.Room, error) {
	if a == b {
		return models.Room{}, relay.ErrSelfRoom
	}

	key := models.DirectKey(a, b)
	v, err, _ := s.group.Do(key, func() (any, error) {
		// Shared by every caller waiting on key, so it must outlive any one of them.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		start := time.Now()
		room, err := s.rooms.FindDirectRoom(sctx, a, b)
		observability.ObserveStore("find_direct_room", start)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, repositories.ErrRoomNotFound) {
			return nil, relay.StoreError("find direct room", err)
		}

		start = time.Now()
		room, err = s.rooms.CreateDirectRoom(sctx, a, b)
		observability.ObserveStore("create_direct_room", start)
		if err != nil {
			return nil, relay.StoreError("create direct room", err)
		}
		log.Info().Int("room_id", room.ID).Str("pair", key).Msg("direct room ready")
		s.emit(ctx, "direct room ready", a, map[string]any{"room_id": room.ID, "peer_id": b})
		return room, nil
	})
	if err != nil {
		return models.Room{}, err
	}
	return v.(models.Room), nil
}

// CreateProjectRoom returns the project's room, creating it with members when
// it does not exist yet.
func (s *Service) CreateProjectRoom(ctx context.Context, projectID int, members []int) (models.Room, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	room, err := s.rooms.FindProjectRoom(sctx, projectID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, repositories.ErrRoomNotFound) {
		return models.Room{}, relay.StoreError("find project room", err)
	}

	start := time.Now()
	room, err = s.rooms.CreateProjectRoom(sctx, projectID, members)
	observability.ObserveStore("create_project_room", start)
	if err != nil {
		return models.Room{}, relay.StoreError("create project room", err)
	}
	s.emit(ctx, "project room ready", 0, map[string]any{"room_id": room.ID, "project_id": projectID})
	return room, nil
}

func (s *Service) AddMember(ctx context.Context, roomID, userID int) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if err := s.rooms.AddMember(sctx, roomID, userID); err != nil {
		return relay.StoreError("add member", err)
	}
	s.emit(ctx, "room member added", userID, map[string]any{"room_id": roomID})
	return nil
}

// RemoveMember drops userID from the room and unsubscribes the user's
// connections from its messages and its call.
func (s *Service) RemoveMember(ctx context.Context, roomID, userID int) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if err := s.rooms.RemoveMember(sctx, roomID, userID); err != nil {
		return relay.StoreError("remove member", err)
	}
	s.emit(ctx, "room member removed", userID, map[string]any{"room_id": roomID})
	return s.evict(ctx, roomID, func(uid int) bool { return uid == userID })
}

func (s *Service) IsMember(ctx context.Context, roomID, userID int) (bool, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	start := time.Now()
	member, err := s.rooms.IsMember(sctx, roomID, userID)
	observability.ObserveStore("is_member", start)
	if err != nil {
		return false, relay.StoreError("check membership", err)
	}
	return member, nil
}

func (s *Service) Room(ctx context.Context, roomID int) (models.Room, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	room, err := s.rooms.GetRoom(sctx, roomID)
	if err != nil {
		return models.Room{}, relay.StoreError("get room", err)
	}
	return room, nil
}

// ApplyProjectEvent mirrors a project membership change into the project's room.
func (s *Service) ApplyProjectEvent(ctx context.Context, event models.ProjectEvent) error {
	if event.ProjectID <= 0 {
		log.Warn().Str("type", event.Type).Msg("ignoring project event without project id")
		return nil
	}

	switch event.Type {
	case models.ProjectCreated:
		_, err := s.CreateProjectRoom(ctx, event.ProjectID, event.MemberIDs)
		return err

	case models.ProjectMemberAdded:
		room, err := s.findProjectRoom(ctx, event.ProjectID)
		if errors.Is(err, relay.ErrRoomNotFound) {
			_, err = s.CreateProjectRoom(ctx, event.ProjectID, []int{event.UserID})
			return err
		}
		if err != nil {
			return err
		}
		return s.AddMember(ctx, room.ID, event.UserID)

	case models.ProjectMemberRemoved:
		room, err := s.findProjectRoom(ctx, event.ProjectID)
		if errors.Is(err, relay.ErrRoomNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.RemoveMember(ctx, room.ID, event.UserID)

	case models.ProjectDeleted:
		room, err := s.findProjectRoom(ctx, event.ProjectID)
		if errors.Is(err, relay.ErrRoomNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		sctx, cancel := s.storeCtx(ctx)
		defer cancel()
		if err := s.rooms.DeleteRoom(sctx, room.ID); err != nil && !errors.Is(err, repositories.ErrRoomNotFound) {
			return relay.StoreError("delete room", err)
		}
		s.emit(ctx, "project room deleted", 0, map[string]any{"room_id": room.ID, "project_id": event.ProjectID})
		return s.evict(ctx, room.ID, func(int) bool { return true })

	default:
		log.Warn().Str("type", event.Type).Int("project_id", event.ProjectID).Msg("ignoring unknown project event")
		return nil
	}
}

func (s *Service) findProjectRoom(ctx context.Context, projectID int) (models.Room, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	room, err := s.rooms.FindProjectRoom(sctx, projectID)
	if err != nil {
		return models.Room{}, relay.StoreError("find project room", err)
	}
	return room, nil
}

// evict unsubscribes the room's connections whose user matches and takes
// them out of the room's call.
func (s *Service) evict(ctx context.Context, roomID int, match func(userID int) bool) error {
	err := s.dispatch.Do(ctx, dispatch.RoomKey(roomID), func() {
		for _, conn := range s.registry.ConnectionsInRoom(roomID) {
			uid, _ := s.registry.UserOf(conn)
			if match(uid) {
				_ = s.registry.LeaveRoom(conn, roomID)
			}
		}
	})
	if s.calls != nil {
		err = errors.Join(err, s.calls.Evict(ctx, roomID, match))
	}
	return err
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) emit(ctx context.Context, text string, userID int, fields map[string]any) {
	s.audit.Emit(ctx, "INFO", text, "", userID, fields)
}
