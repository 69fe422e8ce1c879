// Package registry tracks live transport connections, the identity bound to
// each of them and the rooms and call channels they joined.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrTransport marks a frame that could not be handed to a connection.
	ErrTransport  = errors.New("transport failure")
	ErrOutboxFull = fmt.Errorf("%w: connection outbox full", ErrTransport)
)

// ConnID identifies one live connection.
type ConnID string

// Peer is the outbound side of a connection. Send must not block: it returns
// false when the frame could not be queued.
type Peer interface {
	Send(frame []byte) bool
}

// Snapshot is a copy of a connection's state.
type Snapshot struct {
	ID     ConnID
	UserID int
	Rooms  []int
	Calls  []int
}

type entry struct {
	peer   Peer
	userID int
	rooms  map[int]struct{}
	calls  map[int]struct{}
}

// Registry is the process-local connection table. All methods are safe for
// concurrent use and never block on I/O.
type Registry struct {
	mu    sync.RWMutex
	conns map[ConnID]*entry
	rooms map[int]map[ConnID]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[ConnID]*entry),
		rooms: make(map[int]map[ConnID]struct{}),
	}
}

// Register records a new connection with no identity and empty room and call sets.
func (r *Registry) Register(peer Peer) ConnID {
	id := ConnID(uuid.NewString())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &entry{
		peer:  peer,
		rooms: make(map[int]struct{}),
		calls: make(map[int]struct{}),
	}
	return id
}

// BindIdentity associates the connection with a user. Rebinding replaces the
// previous identity.
func (r *Registry) BindIdentity(id ConnID, userID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	e.userID = userID
	return nil
}

// UserOf returns the bound user, or false when the connection is unknown or
// not yet bound.
func (r *Registry) UserOf(id ConnID) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || e.userID == 0 {
		return 0, false
	}
	return e.userID, true
}

// JoinRoom subscribes the connection to a room.
func (r *Registry) JoinRoom(id ConnID, roomID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	e.rooms[roomID] = struct{}{}
	subs, ok := r.rooms[roomID]
	if !ok {
		subs = make(map[ConnID]struct{})
		r.rooms[roomID] = subs
	}
	subs[id] = struct{}{}
	return nil
}

// LeaveRoom unsubscribes the connection from a room.
func (r *Registry) LeaveRoom(id ConnID, roomID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	delete(e.rooms, roomID)
	r.unindexRoom(id, roomID)
	return nil
}

// InRoom reports whether the connection is subscribed to the room.
func (r *Registry) InRoom(id ConnID, roomID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][id]
	return ok
}

// ConnectionsInRoom lists the subscribers of a room.
func (r *Registry) ConnectionsInRoom(roomID int) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.rooms[roomID]
	out := make([]ConnID, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

// JoinCall records that the connection is in the call channel of a room.
func (r *Registry) JoinCall(id ConnID, roomID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	e.calls[roomID] = struct{}{}
	return nil
}

// LeaveCall clears the call channel membership of a room.
func (r *Registry) LeaveCall(id ConnID, roomID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		delete(e.calls, roomID)
	}
}

// Snapshot copies the state of a connection.
func (r *Registry) Snapshot(id ConnID) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(id, e), true
}

// Deregister removes the connection from every index and returns its final state.
func (r *Registry) Deregister(id ConnID) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return Snapshot{}, false
	}
	snap := snapshotOf(id, e)
	for roomID := range e.rooms {
		r.unindexRoom(id, roomID)
	}
	delete(r.conns, id)
	return snap, true
}

// Send queues a frame on the connection's outbox without blocking.
func (r *Registry) Send(id ConnID, frame []byte) error {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	if !e.peer.Send(frame) {
		return ErrOutboxFull
	}
	return nil
}

// Broadcast sends frame to every id except skip and returns the ids whose
// outbox rejected it. A failure never stops delivery to the others.
func (r *Registry) Broadcast(ids []ConnID, frame []byte, skip ConnID) []ConnID {
	var failed []ConnID
	for _, id := range ids {
		if id == skip {
			continue
		}
		if err := r.Send(id, frame); err != nil {
			failed = append(failed, id)
		}
	}
	return failed
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) unindexRoom(id ConnID, roomID int) {
	if subs, ok := r.rooms[roomID]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

func snapshotOf(id ConnID, e *entry) Snapshot {
	return Snapshot{ID: id, UserID: e.userID, Rooms: sortedKeys(e.rooms), Calls: sortedKeys(e.calls)}
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
