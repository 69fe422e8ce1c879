package repositories

import (
	"context"
	"sync"
	"time"

	"relay-service/internal/models"
)

// MemoryStore is an in-process RoomRepository and MessageRepository used for
// local development (DB_DSN=memory) and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	roomSeq  int
	msgSeq   int
	rooms    map[int]*models.Room
	direct   map[string]int
	projects map[int]int
	messages map[int][]models.Message
	now      func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[int]*models.Room),
		direct:   make(map[string]int),
		projects: make(map[int]int),
		messages: make(map[int][]models.Message),
		now:      time.Now,
	}
}

func (s *MemoryStore) FindDirectRoom(_ context.Context, userA, userB int) (models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.direct[models.DirectKey(userA, userB)]
	if !ok {
		return models.Room{}, ErrRoomNotFound
	}
	return s.copyRoom(id), nil
}

func (s *MemoryStore) CreateDirectRoom(_ context.Context, userA, userB int) (models.Room, error) {
	key := models.DirectKey(userA, userB)
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.direct[key]; ok {
		return s.copyRoom(id), nil
	}
	room := s.insertRoom(models.RoomKindDirect, []int{userA, userB})
	room.MemberKey = &key
	s.direct[key] = room.ID
	return s.copyRoom(room.ID), nil
}

func (s *MemoryStore) FindProjectRoom(_ context.Context, projectID int) (models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.projects[projectID]
	if !ok {
		return models.Room{}, ErrRoomNotFound
	}
	return s.copyRoom(id), nil
}

func (s *MemoryStore) CreateProjectRoom(_ context.Context, projectID int, memberIDs []int) (models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.projects[projectID]; ok {
		return s.copyRoom(id), nil
	}
	room := s.insertRoom(models.RoomKindProject, dedupe(memberIDs))
	pid := projectID
	room.ProjectID = &pid
	s.projects[projectID] = room.ID
	return s.copyRoom(room.ID), nil
}

func (s *MemoryStore) GetRoom(_ context.Context, roomID int) (models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.rooms[roomID]; !ok {
		return models.Room{}, ErrRoomNotFound
	}
	return s.copyRoom(roomID), nil
}

func (s *MemoryStore) IsMember(_ context.Context, roomID, userID int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return false, ErrRoomNotFound
	}
	return room.HasMember(userID), nil
}

func (s *MemoryStore) AddMember(_ context.Context, roomID, userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if !room.HasMember(userID) {
		room.MemberIDs = append(room.MemberIDs, userID)
	}
	room.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, roomID, userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	kept := room.MemberIDs[:0]
	for _, id := range room.MemberIDs {
		if id != userID {
			kept = append(kept, id)
		}
	}
	room.MemberIDs = kept
	room.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) DeleteRoom(_ context.Context, roomID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if room.MemberKey != nil {
		delete(s.direct, *room.MemberKey)
	}
	if room.ProjectID != nil {
		delete(s.projects, *room.ProjectID)
	}
	delete(s.rooms, roomID)
	delete(s.messages, roomID)
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, roomID, senderID int, content string, at time.Time) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return models.Message{}, ErrRoomNotFound
	}
	if !room.HasMember(senderID) {
		return models.Message{}, ErrNotMember
	}
	s.msgSeq++
	msg := models.Message{ID: s.msgSeq, RoomID: roomID, SenderID: senderID, Content: content, CreatedAt: at}
	s.messages[roomID] = append(s.messages[roomID], msg)
	return msg, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, roomID, limit, beforeID int) ([]models.Message, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[roomID]
	end := len(all)
	if beforeID > 0 {
		for end > 0 && all[end-1].ID >= beforeID {
			end--
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]models.Message, end-start)
	copy(out, all[start:end])
	return out, nil
}

// RoomCount reports how many rooms exist.
func (s *MemoryStore) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

func (s *MemoryStore) insertRoom(kind models.RoomKind, members []int) *models.Room {
	s.roomSeq++
	now := s.now()
	room := &models.Room{ID: s.roomSeq, Kind: kind, MemberIDs: members, CreatedAt: now, UpdatedAt: now}
	s.rooms[room.ID] = room
	return room
}

func (s *MemoryStore) copyRoom(id int) models.Room {
	room := *s.rooms[id]
	room.MemberIDs = append([]int(nil), room.MemberIDs...)
	return room
}

var (
	_ RoomRepository    = (*MemoryStore)(nil)
	_ MessageRepository = (*MemoryStore)(nil)
	_ RoomRepository    = (*RoomRepo)(nil)
	_ MessageRepository = (*MessageRepo)(nil)
)
