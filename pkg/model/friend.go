package model

import "time"

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

// Terminal reports whether the status can no longer transition.
func (s RequestStatus) Terminal() bool {
	return s == RequestAccepted || s == RequestRejected
}

// FriendRequest tracks one add-friend attempt between two users.
// Once Terminal the request is immutable.
type FriendRequest struct {
	ID       string        `json:"id"`
	FromName string        `json:"from_name"`
	From     string        `json:"from_phone"`
	To       string        `json:"to_phone"`
	Status   RequestStatus `json:"status"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

type Friend struct {
	Phone       string         `json:"phone"`
	DisplayName string         `json:"display_name"`
	Presence    PresenceStatus `json:"presence"`
	LastSeen    time.Time      `json:"last_seen"`
}
