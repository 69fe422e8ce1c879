package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"relay-service/internal/dispatch"
	"relay-service/internal/mocks"
	"relay-service/internal/models"
	"relay-service/internal/registry"
	"relay-service/internal/relay"
	"relay-service/internal/repositories"
)

type peer struct {
	frames chan []byte
}

func (p *peer) Send(frame []byte) bool {
	select {
	case p.frames <- frame:
		return true
	default:
		return false
	}
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (p *peer) drain(t *testing.T) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case raw := <-p.frames:
			var f frame
			require.NoError(t, json.Unmarshal(raw, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

type env struct {
	reg    *registry.Registry
	disp   *dispatch.Dispatcher
	broker *Broker
	roomID int
}

func setup(t *testing.T, members ...int) env {
	t.Helper()
	store := repositories.NewMemoryStore()
	room, err := store.CreateProjectRoom(context.Background(), 1, members)
	require.NoError(t, err)
	reg := registry.New()
	disp := dispatch.New(0, time.Second)
	t.Cleanup(func() { _ = disp.Close(context.Background()) })
	return env{reg: reg, disp: disp, broker: NewBroker(store, reg, disp, time.Second), roomID: room.ID}
}

func (e env) connect(t *testing.T, userID int) (registry.ConnID, *peer) {
	t.Helper()
	p := &peer{frames: make(chan []byte, 32)}
	id := e.reg.Register(p)
	require.NoError(t, e.reg.BindIdentity(id, userID))
	return id, p
}

func TestJoinNotifiesExistingParticipantsOnly(t *testing.T) {
	e := setup(t, 1, 2)
	ctx := context.Background()
	a, pa := e.connect(t, 1)
	b, pb := e.connect(t, 2)

	res, err := e.broker.Join(ctx, a, e.roomID)
	require.NoError(t, err)
	assert.Empty(t, res.Peers)
	assert.Equal(t, 1, res.Count)

	res, err = e.broker.Join(ctx, b, e.roomID)
	require.NoError(t, err)
	assert.Equal(t, []registry.ConnID{a}, res.Peers)
	assert.Equal(t, 2, res.Count)

	got := pa.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, models.EventRTCPeerJoined, got[0].Event)
	var joined models.PeerJoined
	require.NoError(t, json.Unmarshal(got[0].Data, &joined))
	assert.Equal(t, models.PeerJoined{SocketID: string(b), UserID: 2}, joined)
	assert.Empty(t, pb.drain(t))

	snap, _ := e.reg.Snapshot(b)
	assert.Equal(t, []int{e.roomID}, snap.Calls)
}

func TestRejoinIsIdempotent(t *testing.T) {
	e := setup(t, 1, 2)
	ctx := context.Background()
	a, pa := e.connect(t, 1)
	b, _ := e.connect(t, 2)
	_, err := e.broker.Join(ctx, a, e.roomID)
	require.NoError(t, err)
	_, err = e.broker.Join(ctx, b, e.roomID)
	require.NoError(t, err)
	pa.drain(t)

	res, err := e.broker.Join(ctx, b, e.roomID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Empty(t, pa.drain(t))
}

func TestNonMemberCannotJoinCall(t *testing.T) {
	e := setup(t, 1, 2)
	ctx := context.Background()
	a, pa := e.connect(t, 1)
	x, _ := e.connect(t, 9)
	_, err := e.broker.Join(ctx, a, e.roomID)
	require.NoError(t, err)

	_, err = e.broker.Join(ctx, x, e.roomID)
	assert.ErrorIs(t, err, relay.ErrNotAMember)
	assert.Equal(t, NotInCall, e.broker.State(x, e.roomID))
	assert.Len(t, e.broker.Participants(e.roomID), 1)
	assert.Empty(t, pa.drain(t))

	_, err = e.broker.Join(ctx, a, 404)
	assert.ErrorIs(t, err, relay.ErrRoomNotFound)
}

func TestJoinStoreFailureLeavesNoTrace(t *testing.T) {
	rooms := &mocks.RoomRepositoryMock{}
	rooms.On("IsMember", mock.Anything, 5, 1).Return(false, errors.New("db gone"))
	reg := registry.New()
	disp := dispatch.New(0, time.Second)
	defer disp.Close(context.Background())
	b := NewBroker(rooms, reg, disp, time.Second)

	conn := reg.Register(&peer{frames: make(chan []byte, 1)})
	require.NoError(t, reg.BindIdentity(conn, 1))

	_, err := b.Join(context.Background(), conn, 5)
	assert.ErrorIs(t, err, relay.ErrPersistence)
	assert.Empty(t, b.ActiveCalls())
}

func TestSignalsReachOtherParticipantsVerbatim(t *testing.T) {
	e := setup(t, 1, 2, 3)
	ctx := context.Background()
	a, pa := e.connect(t, 1)
	b, pb := e.connect(t, 2)
	c, pc := e.connect(t, 3)
	for _, id := range []registry.ConnID{a, b, c} {
		_, err := e.broker.Join(ctx, id, e.roomID)
		require.NoError(t, err)
	}
	pa.drain(t)
	pb.drain(t)
	pc.drain(t)

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n..."}`)
	e.broker.RelayOffer(ctx, b, e.roomID, sdp)

	for _, p := range []*peer{pa, pc} {
		got := p.drain(t)
		require.Len(t, got, 1)
		assert.Equal(t, models.EventRTCOffer, got[0].Event)
		var relayed models.SignalRelay
		require.NoError(t, json.Unmarshal(got[0].Data, &relayed))
		assert.Equal(t, string(b), relayed.SocketID)
		assert.JSONEq(t, string(sdp), string(relayed.Payload))
	}
	assert.Empty(t, pb.drain(t))

	e.broker.RelayAnswer(ctx, a, e.roomID, json.RawMessage(`{"type":"answer"}`))
	e.broker.RelayIceCandidate(ctx, c, e.roomID, json.RawMessage(`{"candidate":"x"}`))
	assert.Len(t, pb.drain(t), 2)
}

func TestMalformedOrForeignSignalsAreDropped(t *testing.T) {
	e := setup(t, 1, 2)
	ctx := context.Background()
	a, _ := e.connect(t, 1)
	b, pb := e.connect(t, 2)
	outsider, _ := e.connect(t, 1)
	_, err := e.broker.Join(ctx, a, e.roomID)
	require.NoError(t, err)
	_, err = e.broker.Join(ctx, b, e.roomID)
	require.NoError(t, err)
	pb.drain(t)

	e.broker.RelayOffer(ctx, a, 0, json.RawMessage(`{"sdp":"x"}`))
	e.broker.RelayOffer(ctx, a, e.roomID, nil)
	e.broker.RelayOffer(ctx, a, e.roomID, json.RawMessage(` null `))
	e.broker.RelayIceCandidate(ctx, outsider, e.roomID, json.RawMessage(`{"candidate":"x"}`))

	assert.Empty(t, pb.drain(t))
}

func TestEndAndDisconnectNotifyRemaining(t *testing.T) {
	e := setup(t, 1, 2, 3)
	ctx := context.Background()
	a, _ := e.connect(t, 1)
	b, pb := e.connect(t, 2)
	c, pc := e.connect(t, 3)
	for _, id := range []registry.ConnID{a, b, c} {
		_, err := e.broker.Join(ctx, id, e.roomID)
		require.NoError(t, err)
	}
	pb.drain(t)
	pc.drain(t)

	e.broker.End(ctx, a, e.roomID)
	for _, p := range []*peer{pb, pc} {
		got := p.drain(t)
		require.Len(t, got, 1)
		assert.Equal(t, models.EventRTCEnded, got[0].Event)
	}
	assert.Equal(t, NotInCall, e.broker.State(a, e.roomID))
	snap, _ := e.reg.Snapshot(a)
	assert.Empty(t, snap.Calls)

	e.broker.Disconnect(ctx, b, e.roomID)
	e.broker.Disconnect(ctx, b, e.roomID)
	got := pc.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, models.EventRTCPeerLeft, got[0].Event)
	var ref models.PeerRef
	require.NoError(t, json.Unmarshal(got[0].Data, &ref))
	assert.Equal(t, string(b), ref.SocketID)

	assert.Equal(t, map[int]int{e.roomID: 1}, e.broker.ActiveCalls())
}

func TestJoinExpiredWhileQueuedHasNoEffect(t *testing.T) {
	e := setup(t, 1, 2)
	a, pa := e.connect(t, 1)
	b, _ := e.connect(t, 2)
	_, err := e.broker.Join(context.Background(), a, e.roomID)
	require.NoError(t, err)

	started, release := make(chan struct{}), make(chan struct{})
	go func() {
		_ = e.disp.Do(context.Background(), dispatch.CallKey(e.roomID), func() {
			close(started)
			<-release
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.broker.Join(ctx, b, e.roomID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, e.disp.Do(context.Background(), dispatch.CallKey(e.roomID), func() {}))

	assert.Equal(t, NotInCall, e.broker.State(b, e.roomID))
	assert.Len(t, e.broker.Participants(e.roomID), 1)
	assert.Empty(t, pa.drain(t))
}

func TestEvictRemovesMatchingParticipants(t *testing.T) {
	e := setup(t, 1, 2, 3)
	ctx := context.Background()
	a, pa := e.connect(t, 1)
	b, _ := e.connect(t, 2)
	c, pc := e.connect(t, 3)
	for _, conn := range []registry.ConnID{a, b, c} {
		_, err := e.broker.Join(ctx, conn, e.roomID)
		require.NoError(t, err)
	}
	pa.drain(t)
	pc.drain(t)

	require.NoError(t, e.broker.Evict(ctx, e.roomID, func(userID int) bool { return userID == 2 }))
	assert.Equal(t, NotInCall, e.broker.State(b, e.roomID))
	assert.Len(t, e.broker.Participants(e.roomID), 2)

	for _, p := range []*peer{pa, pc} {
		got := p.drain(t)
		require.Len(t, got, 1)
		assert.Equal(t, models.EventRTCPeerLeft, got[0].Event)
		var left models.PeerRef
		require.NoError(t, json.Unmarshal(got[0].Data, &left))
		assert.Equal(t, string(b), left.SocketID)
	}

	require.NoError(t, e.broker.Evict(ctx, e.roomID, func(int) bool { return true }))
	assert.Empty(t, e.broker.ActiveCalls())
}
