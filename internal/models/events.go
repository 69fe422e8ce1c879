package models

import (
	"encoding/json"
	"time"
)

// Inbound transport events.
const (
	EventJoinRoom        = "join_room"
	EventLeaveRoom       = "leave_room"
	EventSendMessage     = "send_message"
	EventRTCJoin         = "rtc_join"
	EventRTCOffer        = "rtc_offer"
	EventRTCAnswer       = "rtc_answer"
	EventRTCIceCandidate = "rtc_ice_candidate"
	EventRTCEnd          = "rtc_end"
	EventPing            = "ping"
)

// Outbound transport events.
const (
	EventReceiveMessage = "receive_message"
	EventRTCPeerJoined  = "rtc_peer_joined"
	EventRTCPeerLeft    = "rtc_peer_left"
	EventRTCEnded       = "rtc_ended"
	EventError          = "error"
	EventAck            = "ack"
	EventPong           = "pong"
)

// Envelope frames every message on the socket. ID is set by clients that
// expect an acknowledgement and echoed back in the ack.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutEnvelope is the server-to-client frame.
type OutEnvelope struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// EncodeFrame marshals an outbound frame.
func EncodeFrame(event, id string, data any) ([]byte, error) {
	return json.Marshal(OutEnvelope{Event: event, ID: id, Data: data})
}

// Sender is the resolved profile attached to a broadcast message.
type Sender struct {
	ID       int    `json:"id"`
	Name     string `json:"name,omitempty"`
	Picture  string `json:"picture,omitempty"`
	Username string `json:"username,omitempty"`
}

// ReceiveMessage is the payload of receive_message.
type ReceiveMessage struct {
	MessageID int       `json:"messageId"`
	RoomID    int       `json:"roomId"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PeerJoined is the payload of rtc_peer_joined.
type PeerJoined struct {
	SocketID string `json:"socketId"`
	UserID   int    `json:"userId"`
}

// SignalRelay carries an opaque SDP or ICE payload tagged with its sender.
type SignalRelay struct {
	SocketID string          `json:"socketId"`
	Payload  json.RawMessage `json:"payload"`
}

// PeerRef names the connection a call notification is about.
type PeerRef struct {
	SocketID string `json:"socketId"`
}

// CallJoinAck answers a successful rtc_join.
type CallJoinAck struct {
	OK    bool     `json:"ok"`
	Peers []string `json:"peers"`
	Count int      `json:"count"`
}

// CallJoinRejected answers a refused rtc_join.
type CallJoinRejected struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// ErrorEvent reports a rejected request to its sender only.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Event   string `json:"event,omitempty"`
}

// Project membership event types published by the project service.
const (
	ProjectCreated       = "project_created"
	ProjectDeleted       = "project_deleted"
	ProjectMemberAdded   = "member_added"
	ProjectMemberRemoved = "member_removed"
)

// ProjectEvent is a membership change consumed from the broker.
type ProjectEvent struct {
	Type      string `json:"type"`
	ProjectID int    `json:"project_id"`
	UserID    int    `json:"user_id,omitempty"`
	MemberIDs []int  `json:"member_ids,omitempty"`
}
