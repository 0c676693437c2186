// Package notify turns qualifying relay events into user-visible alerts,
// deduplicated per derived event id so redelivery after a reconnect never
// double-notifies.
package notify

import (
	"log"
	"sync"
	"time"
)

type Kind string

const (
	KindFriendRequest   Kind = "friend_request"
	KindRequestAccepted Kind = "request_accepted"
	KindRequestRejected Kind = "request_rejected"
	KindNewMessage      Kind = "new_message"
)

type Notification struct {
	Kind  Kind
	Key   string
	Title string
	Body  string
	At    time.Time
}

// Sink delivers one notification to the platform surface. A failing sink is
// logged and ignored: notification delivery never rolls back the state
// transition that triggered it.
type Sink func(Notification) error

type Dispatcher struct {
	mu   sync.Mutex
	seen map[string]bool
	sink Sink
}

func NewDispatcher(sink Sink) *Dispatcher {
	return &Dispatcher{seen: make(map[string]bool), sink: sink}
}

// Notify surfaces an alert once per (kind, key). Returns whether the alert
// was delivered (false for duplicates).
func (d *Dispatcher) Notify(kind Kind, key, title, body string) bool {
	id := string(kind) + ":" + key

	d.mu.Lock()
	if d.seen[id] {
		d.mu.Unlock()
		return false
	}
	d.seen[id] = true
	sink := d.sink
	d.mu.Unlock()

	if sink == nil {
		return true
	}
	if err := sink(Notification{Kind: kind, Key: key, Title: title, Body: body, At: time.Now()}); err != nil {
		log.Printf("notify: sink failed for %s: %v", id, err)
	}
	return true
}
