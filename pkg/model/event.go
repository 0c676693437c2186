package model

import (
	"encoding/json"
	"time"
)

// Event names are the realtime wire contract shared with the relay.
type Event string

const (
	EventMessage         Event = "message"
	EventTyping          Event = "typing"
	EventStopTyping      Event = "stop-typing"
	EventJoinChat        Event = "join-chat"
	EventFriendRequest   Event = "friend_request"
	EventRequestAccepted Event = "friend_request_accepted"
	EventRequestRejected Event = "friend_request_rejected"
	EventRequestResponse Event = "friend_request_response"

	// EventAck carries the relay's acknowledgment for an emit that asked
	// for one, correlated by Envelope.AckID.
	EventAck Event = "ack"
)

// Envelope frames every payload on the websocket.
type Envelope struct {
	Event Event           `json:"event"`
	AckID string          `json:"ack_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope wraps a payload for sending.
func NewEnvelope(event Event, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Data: data}, nil
}

// ParseEnvelope decodes a raw frame.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// MessagePayload rides the "message" event in both directions. Outbound the
// sender/sent_at are filled by the relay; inbound they are authoritative.
type MessagePayload struct {
	Sender   string    `json:"sender,omitempty"`
	Receiver string    `json:"receiver"`
	Message  string    `json:"message"`
	ID       string    `json:"id,omitempty"`
	SentAt   time.Time `json:"sent_at,omitempty"`
}

// TypingPayload rides "typing" and "stop-typing". Outbound only Receiver is
// set; the relay rewrites it to Sender before delivery.
type TypingPayload struct {
	Sender   string `json:"sender,omitempty"`
	Receiver string `json:"receiver,omitempty"`
}

type JoinChatPayload struct {
	FriendPhone string `json:"friendPhone"`
}

// FriendRequestPayload announces a new pending request to its target.
type FriendRequestPayload struct {
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	RequestID string `json:"requestId"`
}

// FriendResponsePayload is the responder's explicit cross-peer notify: the
// REST write is the source of truth, this emit is the freshness signal.
type FriendResponsePayload struct {
	RequestID string `json:"requestId"`
	Action    string `json:"action"`
	FriendID  string `json:"friendId"`
}

// RequestOutcomePayload rides "friend_request_accepted" / "..._rejected"
// back to the original requester.
type RequestOutcomePayload struct {
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	RequestID string `json:"requestId,omitempty"`
}
