package rooms

import (
	"context"
	"errors"
	"sync"
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
	"relay-service/internal/signaling"
	"relay-service/internal/telemetry"
)

type nopPeer struct{}

func (nopPeer) Send([]byte) bool { return true }

func newTestService(t *testing.T, store repositories.RoomRepository, strict bool) (*Service, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	disp := dispatch.New(0, time.Second)
	t.Cleanup(func() { _ = disp.Close(context.Background()) })
	return NewService(store, reg, disp, Options{StrictJoin: strict, StoreTimeout: time.Second}), reg
}

func TestFindOrCreateDirectRoomConvergesUnderConcurrency(t *testing.T) {
	store := repositories.NewMemoryStore()
	svc, _ := newTestService(t, store, true)

	const n = 50
	ids := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := 1, 2
			if i%2 == 1 {
				a, b = 2, 1
			}
			room, err := svc.FindOrCreateDirectRoom(context.Background(), a, b)
			assert.NoError(t, err)
			ids[i] = room.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, store.RoomCount())

	room, err := svc.Room(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.RoomKindDirect, room.Kind)
	assert.ElementsMatch(t, []int{1, 2}, room.MemberIDs)
}

func TestFindOrCreateDirectRoomRejectsSelf(t *testing.T) {
	svc, _ := newTestService(t, repositories.NewMemoryStore(), true)
	_, err := svc.FindOrCreateDirectRoom(context.Background(), 4, 4)
	assert.ErrorIs(t, err, relay.ErrSelfRoom)
}

func TestFindOrCreateDirectRoomWrapsStoreFailure(t *testing.T) {
	store := &mocks.RoomRepositoryMock{}
	store.On("FindDirectRoom", mock.Anything, 1, 2).Return(nil, errors.New("connection refused"))
	svc, _ := newTestService(t, store, true)

	_, err := svc.FindOrCreateDirectRoom(context.Background(), 1, 2)
	assert.ErrorIs(t, err, relay.ErrPersistence)
	store.AssertNotCalled(t, "CreateDirectRoom", mock.Anything, mock.Anything, mock.Anything)
}

func TestStrictJoinRequiresMembership(t *testing.T) {
	store := repositories.NewMemoryStore()
	svc, reg := newTestService(t, store, true)
	room, err := svc.FindOrCreateDirectRoom(context.Background(), 1, 2)
	require.NoError(t, err)

	conn := reg.Register(nopPeer{})
	err = svc.JoinRoomTransport(context.Background(), conn, room.ID, 3)
	assert.ErrorIs(t, err, relay.ErrNotAMember)
	assert.False(t, reg.InRoom(conn, room.ID))

	err = svc.JoinRoomTransport(context.Background(), conn, 999, 1)
	assert.ErrorIs(t, err, relay.ErrRoomNotFound)

	require.NoError(t, svc.JoinRoomTransport(context.Background(), conn, room.ID, 1))
	assert.True(t, reg.InRoom(conn, room.ID))

	require.NoError(t, svc.LeaveRoomTransport(context.Background(), conn, room.ID))
	assert.False(t, reg.InRoom(conn, room.ID))
}

// gatedStore holds the first IsMember call open, after the membership has
// been read, until release is closed.
type gatedStore struct {
	*repositories.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) IsMember(ctx context.Context, roomID, userID int) (bool, error) {
	member, err := g.MemoryStore.IsMember(ctx, roomID, userID)
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return member, err
}

func TestRemovedMemberDoesNotStaySubscribed(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{
		MemoryStore: repositories.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	room, err := store.CreateProjectRoom(ctx, 5, []int{1, 2})
	require.NoError(t, err)
	svc, reg := newTestService(t, store, true)

	conn := reg.Register(nopPeer{})
	require.NoError(t, reg.BindIdentity(conn, 2))

	joined := make(chan error, 1)
	go func() { joined <- svc.JoinRoomTransport(ctx, conn, room.ID, 2) }()
	<-store.entered

	removed := make(chan error, 1)
	go func() { removed <- svc.RemoveMember(ctx, room.ID, 2) }()
	require.Eventually(t, func() bool {
		member, _ := store.MemoryStore.IsMember(ctx, room.ID, 2)
		return !member
	}, time.Second, time.Millisecond)
	close(store.release)

	require.NoError(t, <-joined)
	require.NoError(t, <-removed)
	assert.False(t, reg.InRoom(conn, room.ID))
}

func TestRevokedMembershipEndsCallParticipation(t *testing.T) {
	ctx := context.Background()
	store := repositories.NewMemoryStore()
	room, err := store.CreateProjectRoom(ctx, 6, []int{1, 2})
	require.NoError(t, err)

	reg := registry.New()
	disp := dispatch.New(0, time.Second)
	t.Cleanup(func() { _ = disp.Close(context.Background()) })
	broker := signaling.NewBroker(store, reg, disp, time.Second)
	svc := NewService(store, reg, disp, Options{StrictJoin: true, StoreTimeout: time.Second, Calls: broker})

	alice := reg.Register(nopPeer{})
	require.NoError(t, reg.BindIdentity(alice, 1))
	bob := reg.Register(nopPeer{})
	require.NoError(t, reg.BindIdentity(bob, 2))
	_, err = broker.Join(ctx, alice, room.ID)
	require.NoError(t, err)
	_, err = broker.Join(ctx, bob, room.ID)
	require.NoError(t, err)

	require.NoError(t, svc.RemoveMember(ctx, room.ID, 2))
	assert.Equal(t, signaling.NotInCall, broker.State(bob, room.ID))
	assert.Equal(t, signaling.InCall, broker.State(alice, room.ID))
	snap, ok := reg.Snapshot(bob)
	require.True(t, ok)
	assert.Empty(t, snap.Calls)

	require.NoError(t, svc.ApplyProjectEvent(ctx, models.ProjectEvent{Type: models.ProjectDeleted, ProjectID: 6}))
	assert.Empty(t, broker.Participants(room.ID))
	assert.Empty(t, broker.ActiveCalls())
}

func TestPermissiveJoinSkipsStore(t *testing.T) {
	store := &mocks.RoomRepositoryMock{}
	svc, reg := newTestService(t, store, false)

	conn := reg.Register(nopPeer{})
	require.NoError(t, svc.JoinRoomTransport(context.Background(), conn, 42, 9))
	assert.True(t, reg.InRoom(conn, 42))
	store.AssertNotCalled(t, "IsMember", mock.Anything, mock.Anything, mock.Anything)
}

func TestApplyProjectEventsMirrorMembership(t *testing.T) {
	store := repositories.NewMemoryStore()
	svc, reg := newTestService(t, store, true)
	ctx := context.Background()

	require.NoError(t, svc.ApplyProjectEvent(ctx, models.ProjectEvent{Type: models.ProjectCreated, ProjectID: 10, MemberIDs: []int{1, 2}}))
	room, err := store.FindProjectRoom(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2}, room.MemberIDs)

	require.NoError(t, svc.ApplyProjectEvent(ctx, models.ProjectEvent{Type: models.ProjectMemberAdded, ProjectID: 10, UserID: 3}))
	member, err := svc.IsMember(ctx, room.ID, 3)
	require.NoError(t, err)
	assert.True(t, member)

	conn := reg.Register(nopPeer{})
	require.NoError(t, reg.BindIdentity(conn, 2))
	require.NoError(t, svc.JoinRoomTransport(ctx, conn, room.ID, 2))

	require.NoError(t, svc.ApplyProjectEvent(ctx, models.ProjectEvent{Type: models.ProjectMemberRemoved, ProjectID: 10, UserID: 2}))
	member, err = svc.IsMember(ctx, room.ID, 2)
	require.NoError(t, err)
	assert.False(t, member)
	assert.False(t, reg.InRoom(conn, room.ID))

	require.NoError(t, svc.ApplyProjectEvent(ctx, models.ProjectEvent{Type: models.ProjectDeleted, ProjectID: 10}))
	_, err = store.FindProjectRoom(ctx, 10)
	assert.ErrorIs(t, err, repositories.ErrRoomNotFound)
}

func TestMemberAddedCreatesMissingProjectRoom(t *testing.T) {
	store := repositories.NewMemoryStore()
	svc, _ := newTestService(t, store, true)
	ctx := context.Background()

	require.NoError(t, svc.ApplyProjectEvent(ctx, models.ProjectEvent{Type: models.ProjectMemberAdded, ProjectID: 3, UserID: 5}))
	room, err := store.FindProjectRoom(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, room.MemberIDs)

	assert.NoError(t, svc.ApplyProjectEvent(ctx, models.ProjectEvent{Type: models.ProjectMemberRemoved, ProjectID: 77, UserID: 5}))
	assert.NoError(t, svc.ApplyProjectEvent(ctx, models.ProjectEvent{Type: "renamed", ProjectID: 3}))
}

func TestCreateProjectRoomEmitsAudit(t *testing.T) {
	pub := &mocks.PublisherMock{}
	pub.On("Publish", mock.Anything, "audit.relay", mock.MatchedBy(func(e telemetry.AuditEnvelope) bool {
		return e.Payload.Text == "project room ready" && e.Payload.Fields["project_id"] == 8
	})).Return(nil).Once()

	reg := registry.New()
	disp := dispatch.New(0, time.Second)
	defer disp.Close(context.Background())
	svc := NewService(repositories.NewMemoryStore(), reg, disp, Options{
		StrictJoin: true,
		Audit:      telemetry.NewAuditEmitter(pub, "audit.relay", "relay-service", "test"),
	})

	_, err := svc.CreateProjectRoom(context.Background(), 8, []int{1})
	require.NoError(t, err)
	_, err = svc.CreateProjectRoom(context.Background(), 8, []int{1})
	require.NoError(t, err)
	pub.AssertExpectations(t)
}
