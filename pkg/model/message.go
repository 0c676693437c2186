package model

import "time"

// Origin records how a message entered the local conversation log.
type Origin string

const (
	// OriginLocalOptimistic is a locally-sent message shown before the
	// server has acknowledged it. Its ID is a local placeholder.
	OriginLocalOptimistic Origin = "local_optimistic"
	// OriginServerAck is a locally-sent message after the server assigned
	// its durable id.
	OriginServerAck Origin = "server_ack"
	// OriginRemoteDelivered arrived over the relay from another session.
	OriginRemoteDelivered Origin = "remote_delivered"
)

// ChatMessage is one entry in a conversation log.
type ChatMessage struct {
	ID       string    `json:"id"`
	Sender   string    `json:"sender"`
	Receiver string    `json:"receiver"`
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sent_at"`
	Origin   Origin    `json:"origin,omitempty"`

	// Failed marks an optimistic entry whose emit did not go through.
	// The UI surfaces it for retry; it is never silently dropped.
	Failed bool `json:"failed,omitempty"`
}

// SentByMe reports whether the message originated from the given user.
func (m *ChatMessage) SentByMe(self string) bool {
	return m.Sender == self
}
