package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanPeer struct {
	frames chan []byte
}

func (p *chanPeer) Send(frame []byte) bool {
	select {
	case p.frames <- frame:
		return true
	default:
		return false
	}
}

func newPeer(size int) *chanPeer { return &chanPeer{frames: make(chan []byte, size)} }

func TestRegisterStartsUnboundAndEmpty(t *testing.T) {
	r := New()
	id := r.Register(newPeer(1))

	_, bound := r.UserOf(id)
	assert.False(t, bound)

	snap, ok := r.Snapshot(id)
	require.True(t, ok)
	assert.Empty(t, snap.Rooms)
	assert.Empty(t, snap.Calls)
	assert.Equal(t, 1, r.Count())
}

func TestBindIdentityIsIdempotentAndAllowsRebind(t *testing.T) {
	r := New()
	id := r.Register(newPeer(1))

	require.NoError(t, r.BindIdentity(id, 7))
	require.NoError(t, r.BindIdentity(id, 7))
	user, ok := r.UserOf(id)
	require.True(t, ok)
	assert.Equal(t, 7, user)

	require.NoError(t, r.BindIdentity(id, 8))
	user, _ = r.UserOf(id)
	assert.Equal(t, 8, user)

	assert.ErrorIs(t, r.BindIdentity("missing", 1), ErrUnknownConnection)
}

func TestJoinAndLeaveRoomAreIdempotent(t *testing.T) {
	r := New()
	a := r.Register(newPeer(1))
	b := r.Register(newPeer(1))

	require.NoError(t, r.JoinRoom(a, 1))
	require.NoError(t, r.JoinRoom(a, 1))
	require.NoError(t, r.JoinRoom(b, 1))
	assert.ElementsMatch(t, []ConnID{a, b}, r.ConnectionsInRoom(1))

	require.NoError(t, r.LeaveRoom(a, 1))
	require.NoError(t, r.LeaveRoom(a, 1))
	assert.Equal(t, []ConnID{b}, r.ConnectionsInRoom(1))
	assert.False(t, r.InRoom(a, 1))

	require.NoError(t, r.LeaveRoom(b, 1))
	assert.Empty(t, r.ConnectionsInRoom(1))
	assert.Empty(t, r.rooms)
}

func TestDeregisterRemovesFromAllIndexes(t *testing.T) {
	r := New()
	id := r.Register(newPeer(1))
	require.NoError(t, r.BindIdentity(id, 3))
	require.NoError(t, r.JoinRoom(id, 2))
	require.NoError(t, r.JoinRoom(id, 1))
	require.NoError(t, r.JoinCall(id, 2))

	snap, ok := r.Deregister(id)
	require.True(t, ok)
	assert.Equal(t, 3, snap.UserID)
	assert.Equal(t, []int{1, 2}, snap.Rooms)
	assert.Equal(t, []int{2}, snap.Calls)

	assert.Empty(t, r.ConnectionsInRoom(1))
	assert.Empty(t, r.ConnectionsInRoom(2))
	assert.Zero(t, r.Count())

	_, ok = r.Deregister(id)
	assert.False(t, ok)
}

func TestSendIsolatesFullOutbox(t *testing.T) {
	r := New()
	slow := r.Register(newPeer(1))
	fast := r.Register(newPeer(4))

	require.NoError(t, r.Send(slow, []byte("1")))
	assert.ErrorIs(t, r.Send(slow, []byte("2")), ErrOutboxFull)
	assert.ErrorIs(t, r.Send(slow, []byte("3")), ErrTransport)
	require.NoError(t, r.Send(fast, []byte("1")))
	require.NoError(t, r.Send(fast, []byte("2")))
	assert.ErrorIs(t, r.Send("gone", []byte("x")), ErrUnknownConnection)
}

func TestConcurrentJoinLeave(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	ids := make([]ConnID, 50)
	for i := range ids {
		ids[i] = r.Register(newPeer(1))
	}
	for _, id := range ids {
		wg.Add(1)
		go func(id ConnID) {
			defer wg.Done()
			_ = r.JoinRoom(id, 1)
			_ = r.JoinRoom(id, 2)
			_ = r.LeaveRoom(id, 2)
		}(id)
	}
	wg.Wait()

	assert.Len(t, r.ConnectionsInRoom(1), len(ids))
	assert.Empty(t, r.ConnectionsInRoom(2))
}

func TestBroadcastSkipsSenderAndIsolatesFailures(t *testing.T) {
	r := New()
	a, full, c := newPeer(1), newPeer(0), newPeer(1)
	ida := r.Register(a)
	idFull := r.Register(full)
	idc := r.Register(c)

	failed := r.Broadcast([]ConnID{ida, idFull, idc}, []byte("x"), ida)

	assert.Equal(t, []ConnID{idFull}, failed)
	assert.Len(t, a.frames, 0)
	assert.Len(t, c.frames, 1)
}
