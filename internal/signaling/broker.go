// Package signaling brokers WebRTC call channels: who is in a room's call and
// the relaying of opaque SDP offers, answers and ICE candidates among them.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"relay-service/internal/dispatch"
	"relay-service/internal/models"
	"relay-service/internal/observability"
	"relay-service/internal/registry"
	"relay-service/internal/relay"
	"relay-service/internal/repositories"
)

// State is a connection's position in one room's call channel.
type State int

const (
	NotInCall State = iota
	Joining
	InCall
	Left
	Disconnected
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case InCall:
		return "in_call"
	case Left:
		return "left"
	case Disconnected:
		return "disconnected"
	default:
		return "not_in_call"
	}
}

// JoinResult lists the other participants and the call size including the joiner.
type JoinResult struct {
	Peers []registry.ConnID
	Count int
}

type Participant struct {
	ConnID   registry.ConnID `json:"socketId"`
	UserID   int             `json:"userId"`
	JoinedAt time.Time       `json:"joinedAt"`
}

type member struct {
	userID   int
	state    State
	joinedAt time.Time
}

type Broker struct {
	mu       sync.Mutex
	calls    map[int]map[registry.ConnID]*member
	rooms    repositories.RoomRepository
	registry *registry.Registry
	dispatch *dispatch.Dispatcher
	timeout  time.Duration
}

func NewBroker(rooms repositories.RoomRepository, reg *registry.Registry, disp *dispatch.Dispatcher, storeTimeout time.Duration) *Broker {
	if storeTimeout <= 0 {
		storeTimeout = 3 * time.Second
	}
	return &Broker{
		calls:    make(map[int]map[registry.ConnID]*member),
		rooms:    rooms,
		registry: reg,
		dispatch: disp,
		timeout:  storeTimeout,
	}
}

// Join admits conn to the room's call channel after checking that its user
// is a room member. Existing participants get rtc_peer_joined; the joiner
// does not. Joining again while in the call returns the current peers.
func (b *Broker) Join(ctx context.Context, conn registry.ConnID, roomID int) (JoinResult, error) {
	userID, ok := b.registry.UserOf(conn)
	if !ok {
		return JoinResult{}, relay.ErrUnbound
	}
	if roomID <= 0 {
		return JoinResult{}, relay.ErrRoomNotFound
	}

	var (
		res     JoinResult
		joinErr error
	)
	err := b.dispatch.Do(ctx, dispatch.CallKey(roomID), func() {
		if b.State(conn, roomID) == InCall {
			res = b.result(conn, roomID)
			return
		}

		b.setState(conn, roomID, userID, Joining)
		if err := b.checkMember(ctx, roomID, userID); err != nil {
			b.remove(conn, roomID)
			joinErr = err
			return
		}
		if err := b.registry.JoinCall(conn, roomID); err != nil {
			b.remove(conn, roomID)
			joinErr = err
			return
		}
		b.setState(conn, roomID, userID, InCall)
		res = b.result(conn, roomID)

		b.fanOut(models.EventRTCPeerJoined, res.Peers, models.PeerJoined{SocketID: string(conn), UserID: userID})
		log.Info().Str("conn_id", string(conn)).Int("room_id", roomID).Int("count", res.Count).Msg("rtc join")
	})
	if err == nil {
		err = joinErr
	}
	if err != nil {
		return JoinResult{}, err
	}
	b.reportSize()
	return res, nil
}

func (b *Broker) RelayOffer(ctx context.Context, conn registry.ConnID, roomID int, payload json.RawMessage) {
	b.relaySignal(ctx, models.EventRTCOffer, conn, roomID, payload)
}

func (b *Broker) RelayAnswer(ctx context.Context, conn registry.ConnID, roomID int, payload json.RawMessage) {
	b.relaySignal(ctx, models.EventRTCAnswer, conn, roomID, payload)
}

func (b *Broker) RelayIceCandidate(ctx context.Context, conn registry.ConnID, roomID int, payload json.RawMessage) {
	b.relaySignal(ctx, models.EventRTCIceCandidate, conn, roomID, payload)
}

// End takes conn out of the call and tells the remaining participants with rtc_ended.
func (b *Broker) End(ctx context.Context, conn registry.ConnID, roomID int) {
	b.leave(ctx, conn, roomID, Left, models.EventRTCEnded)
}

// Disconnect is the implicit leave of a dropped connection; the remaining
// participants get rtc_peer_left.
func (b *Broker) Disconnect(ctx context.Context, conn registry.ConnID, roomID int) {
	b.leave(ctx, conn, roomID, Disconnected, models.EventRTCPeerLeft)
}

// State returns conn's state in the room's call channel. Left and
// Disconnected are terminal and not retained, so they read as NotInCall.
func (b *Broker) State(conn registry.ConnID, roomID int) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.calls[roomID][conn]; ok {
		return m.state
	}
	return NotInCall
}

// Participants lists the connections in the room's call, oldest first.
func (b *Broker) Participants(roomID int) []Participant {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Participant, 0, len(b.calls[roomID]))
	for id, m := range b.calls[roomID] {
		if m.state == InCall {
			out = append(out, Participant{ConnID: id, UserID: m.userID, JoinedAt: m.joinedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnID < out[j].ConnID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// ActiveCalls maps each room with a call in progress to its participant count.
func (b *Broker) ActiveCalls() map[int]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[int]int, len(b.calls))
	for roomID, members := range b.calls {
		n := 0
		for _, m := range members {
			if m.state == InCall {
				n++
			}
		}
		if n > 0 {
			out[roomID] = n
		}
	}
	return out
}

func (b *Broker) relaySignal(ctx context.Context, event string, conn registry.ConnID, roomID int, payload json.RawMessage) {
	if roomID <= 0 || isEmptyPayload(payload) {
		log.Debug().Str("event", event).Str("conn_id", string(conn)).Msg("dropping signal without room or payload")
		return
	}

	err := b.dispatch.Do(ctx, dispatch.CallKey(roomID), func() {
		if b.State(conn, roomID) != InCall {
			log.Debug().Str("event", event).Str("conn_id", string(conn)).Int("room_id", roomID).Msg("dropping signal from non-participant")
			return
		}
		b.fanOut(event, b.others(conn, roomID), models.SignalRelay{SocketID: string(conn), Payload: payload})
	})
	if err != nil {
		log.Warn().Err(err).Str("event", event).Int("room_id", roomID).Msg("signal not relayed")
	}
}

// Evict takes the participants whose user matches out of the room's call, as
// when their room membership ends. The remaining participants get
// rtc_peer_left for each of them.
func (b *Broker) Evict(ctx context.Context, roomID int, match func(userID int) bool) error {
	evicted := 0
	err := b.dispatch.Do(ctx, dispatch.CallKey(roomID), func() {
		for _, p := range b.Participants(roomID) {
			if match(p.UserID) {
				b.drop(p.ConnID, roomID, Disconnected, models.EventRTCPeerLeft)
				evicted++
			}
		}
	})
	if evicted > 0 {
		b.reportSize()
	}
	return err
}

func (b *Broker) leave(ctx context.Context, conn registry.ConnID, roomID int, final State, event string) {
	err := b.dispatch.Do(ctx, dispatch.CallKey(roomID), func() {
		if b.State(conn, roomID) != InCall {
			return
		}
		b.drop(conn, roomID, final, event)
	})
	if err != nil {
		log.Warn().Err(err).Str("event", event).Int("room_id", roomID).Msg("call leave not processed")
		return
	}
	b.reportSize()
}

// drop must run on the call worker.
func (b *Broker) drop(conn registry.ConnID, roomID int, final State, event string) {
	b.remove(conn, roomID)
	b.registry.LeaveCall(conn, roomID)
	b.fanOut(event, b.others(conn, roomID), models.PeerRef{SocketID: string(conn)})
	log.Info().Str("conn_id", string(conn)).Int("room_id", roomID).Str("state", final.String()).Msg("rtc leave")
}

func (b *Broker) checkMember(ctx context.Context, roomID, userID int) error {
	sctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	member, err := b.rooms.IsMember(sctx, roomID, userID)
	observability.ObserveStore("is_member", start)
	if err != nil {
		return relay.StoreError("check call membership", err)
	}
	if !member {
		return relay.ErrNotAMember
	}
	return nil
}

func (b *Broker) setState(conn registry.ConnID, roomID, userID int, state State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.calls[roomID]
	if !ok {
		members = make(map[registry.ConnID]*member)
		b.calls[roomID] = members
	}
	m, ok := members[conn]
	if !ok {
		m = &member{userID: userID}
		members[conn] = m
	}
	m.state = state
	if state == InCall {
		m.joinedAt = time.Now()
	}
}

func (b *Broker) remove(conn registry.ConnID, roomID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.calls[roomID]
	if !ok {
		return
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(b.calls, roomID)
	}
}

// others lists the room's in-call connections except conn.
func (b *Broker) others(conn registry.ConnID, roomID int) []registry.ConnID {
	var out []registry.ConnID
	for _, p := range b.Participants(roomID) {
		if p.ConnID != conn {
			out = append(out, p.ConnID)
		}
	}
	return out
}

func (b *Broker) result(conn registry.ConnID, roomID int) JoinResult {
	peers := b.others(conn, roomID)
	if peers == nil {
		peers = []registry.ConnID{}
	}
	return JoinResult{Peers: peers, Count: len(peers) + 1}
}

func (b *Broker) fanOut(event string, to []registry.ConnID, data any) {
	if len(to) == 0 {
		return
	}
	frame, err := models.EncodeFrame(event, "", data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode signaling frame")
		return
	}
	for _, failed := range b.registry.Broadcast(to, frame, "") {
		observability.IncDeliveryFailure()
		log.Warn().Str("conn_id", string(failed)).Str("event", event).Msg("signaling frame not delivered")
	}
}

func (b *Broker) reportSize() {
	total := 0
	for _, n := range b.ActiveCalls() {
		total += n
	}
	observability.SetCallParticipants(total)
}

func isEmptyPayload(p json.RawMessage) bool {
	trimmed := bytes.TrimSpace(p)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
