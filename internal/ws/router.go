package ws

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"relay-service/internal/dispatch"
	"relay-service/internal/models"
	"relay-service/internal/observability"
	"relay-service/internal/relay"
)

var (
	errBadRequest  = errors.New("bad request")
	errRateLimited = errors.New("rate limited")
)

// eventData is the union of the fields carried by client events.
type eventData struct {
	RoomID    flexInt         `json:"roomId"`
	UserID    flexInt         `json:"userId"`
	SenderID  flexInt         `json:"senderId"`
	Content   string          `json:"content"`
	SDP       json.RawMessage `json:"sdp"`
	Candidate json.RawMessage `json:"candidate"`
	Payload   json.RawMessage `json:"payload"`
}

func (c *Client) handle(raw []byte) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		c.fail(env, errBadRequest)
		return
	}
	if !c.limiter.Allow() {
		c.fail(env, errRateLimited)
		return
	}

	var data eventData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			c.fail(env, errBadRequest)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	roomID := int(data.RoomID)

	switch env.Event {
	case models.EventJoinRoom:
		userID, err := c.identify(int(data.UserID))
		if err == nil {
			err = c.hub.Rooms.JoinRoomTransport(ctx, c.id, roomID, userID)
		}
		c.complete(env, err, nil)

	case models.EventLeaveRoom:
		c.complete(env, c.hub.Rooms.LeaveRoomTransport(ctx, c.id, roomID), nil)

	case models.EventSendMessage:
		if _, err := c.identify(int(data.SenderID)); err != nil {
			c.fail(env, err)
			return
		}
		msg, err := c.hub.Relay.SendMessage(ctx, c.id, roomID, data.Content)
		c.complete(env, err, map[string]any{"ok": true, "messageId": msg.MessageID})

	case models.EventRTCJoin:
		c.rtcJoin(ctx, env, roomID, int(data.UserID))

	case models.EventRTCOffer:
		c.hub.Broker.RelayOffer(ctx, c.id, roomID, firstNonEmpty(data.SDP, data.Payload))
		observability.IncWSEvent(env.Event, "ok")

	case models.EventRTCAnswer:
		c.hub.Broker.RelayAnswer(ctx, c.id, roomID, firstNonEmpty(data.SDP, data.Payload))
		observability.IncWSEvent(env.Event, "ok")

	case models.EventRTCIceCandidate:
		c.hub.Broker.RelayIceCandidate(ctx, c.id, roomID, firstNonEmpty(data.Candidate, data.Payload))
		observability.IncWSEvent(env.Event, "ok")

	case models.EventRTCEnd:
		c.hub.Broker.End(ctx, c.id, roomID)
		observability.IncWSEvent(env.Event, "ok")

	case models.EventPing:
		c.reply(models.EventPong, env.ID, nil)

	default:
		c.fail(env, errBadRequest)
	}
}

func (c *Client) rtcJoin(ctx context.Context, env models.Envelope, roomID, claimed int) {
	if _, err := c.identify(claimed); err != nil {
		c.rejectJoin(env, err)
		return
	}
	res, err := c.hub.Broker.Join(ctx, c.id, roomID)
	if err != nil {
		c.rejectJoin(env, err)
		return
	}

	peers := make([]string, len(res.Peers))
	for i, p := range res.Peers {
		peers[i] = string(p)
	}
	observability.IncWSEvent(env.Event, "ok")
	c.reply(models.EventAck, env.ID, models.CallJoinAck{OK: true, Peers: peers, Count: res.Count})
}

func (c *Client) rejectJoin(env models.Envelope, err error) {
	code := codeOf(err)
	observability.IncWSEvent(env.Event, code)
	c.reply(models.EventAck, env.ID, models.CallJoinRejected{OK: false, Error: code})
}

// identify returns the connection's user. An unbound connection is bound to
// the claimed id unless tokens are required; a claim that contradicts the
// bound identity is rejected.
func (c *Client) identify(claimed int) (int, error) {
	bound, ok := c.hub.Registry.UserOf(c.id)
	if ok {
		if claimed != 0 && claimed != bound {
			return 0, relay.ErrIdentityMismatch
		}
		return bound, nil
	}
	if c.hub.cfg.AuthRequired || claimed <= 0 {
		return 0, relay.ErrUnbound
	}
	if err := c.hub.Registry.BindIdentity(c.id, claimed); err != nil {
		return 0, err
	}
	return claimed, nil
}

// complete acknowledges a request on success and reports err otherwise.
func (c *Client) complete(env models.Envelope, err error, ack any) {
	if err != nil {
		c.fail(env, err)
		return
	}
	observability.IncWSEvent(env.Event, "ok")
	if env.ID == "" {
		return
	}
	if ack == nil {
		ack = map[string]any{"ok": true}
	}
	c.reply(models.EventAck, env.ID, ack)
}

// fail answers with an ack when the request carried an id and with an error
// event otherwise.
func (c *Client) fail(env models.Envelope, err error) {
	code := codeOf(err)
	observability.IncWSEvent(eventLabel(env.Event), code)
	if errors.Is(err, relay.ErrPersistence) {
		log.Error().Err(err).Str("conn_id", string(c.id)).Str("event", env.Event).Msg("event failed")
	} else {
		log.Debug().Err(err).Str("conn_id", string(c.id)).Str("event", env.Event).Msg("event rejected")
	}

	if env.ID != "" {
		c.reply(models.EventAck, env.ID, map[string]any{"ok": false, "error": code})
		return
	}
	c.reply(models.EventError, "", models.ErrorEvent{Code: code, Message: err.Error(), Event: env.Event})
}

func (c *Client) reply(event, id string, data any) {
	frame, err := models.EncodeFrame(event, id, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode reply")
		return
	}
	c.Send(frame)
}

func codeOf(err error) string {
	switch {
	case errors.Is(err, errBadRequest):
		return "bad_request"
	case errors.Is(err, errRateLimited):
		return "rate_limited"
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrClosed):
		return "unavailable"
	default:
		return relay.Code(err)
	}
}

func eventLabel(event string) string {
	switch event {
	case models.EventJoinRoom, models.EventLeaveRoom, models.EventSendMessage, models.EventRTCJoin,
		models.EventRTCOffer, models.EventRTCAnswer, models.EventRTCIceCandidate, models.EventRTCEnd, models.EventPing:
		return event
	default:
		return "unknown"
	}
}

func firstNonEmpty(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}
