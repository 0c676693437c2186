// Package friends synchronizes the friend-request lifecycle across peer
// sessions. Responding is a dual write: the REST API is the source of truth,
// the relay emit is a best-effort freshness signal to the requester. All
// inbound outcomes apply as an idempotent merge keyed by request id, because
// the same terminal state can arrive twice (relay event plus REST refetch).
package friends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/mahaj/batua-realtime/pkg/model"
	"github.com/mahaj/batua-realtime/pkg/notify"
	"github.com/mahaj/batua-realtime/pkg/rest"
	"github.com/mahaj/batua-realtime/pkg/transport"
)

const handlerID = "friends"

// ErrSelfRequest rejects a friend request addressed to the local user.
var ErrSelfRequest = errors.New("friends: cannot send a request to yourself")

// ErrUserNotFound means the target phone does not resolve to a user.
var ErrUserNotFound = errors.New("friends: user not found")

// Session is the slice of the transport the synchronizer needs.
type Session interface {
	Emit(event model.Event, payload any) error
	On(event model.Event, id string, h transport.Handler)
	Off(event model.Event, id string)
}

// API is the REST collaborator surface for the friend lifecycle.
type API interface {
	Friends(ctx context.Context) ([]model.Friend, error)
	FriendRequests(ctx context.Context) ([]model.FriendRequest, error)
	LookupUser(ctx context.Context, phone string) (*model.Friend, error)
	CreateFriendRequest(ctx context.Context, target string) (*model.FriendRequest, error)
	RespondFriendRequest(ctx context.Context, id, action string) error
	DeleteFriend(ctx context.Context, phone string) error
}

type Synchronizer struct {
	self     string
	session  Session
	api      API
	notifier *notify.Dispatcher

	mu              sync.Mutex
	pending         map[string]*model.FriendRequest
	friends         map[string]*model.Friend
	onChange        func()
	onFriendRemoved func(peer string)
}

func NewSynchronizer(self string, session Session, api API, notifier *notify.Dispatcher) *Synchronizer {
	return &Synchronizer{
		self:     self,
		session:  session,
		api:      api,
		notifier: notifier,
		pending:  make(map[string]*model.FriendRequest),
		friends:  make(map[string]*model.Friend),
	}
}

// Attach subscribes to the lifecycle events.
func (s *Synchronizer) Attach() {
	s.session.On(model.EventFriendRequest, handlerID, s.handleFriendRequest)
	s.session.On(model.EventRequestAccepted, handlerID, s.handleAccepted)
	s.session.On(model.EventRequestRejected, handlerID, s.handleRejected)
}

// Close detaches from the session.
func (s *Synchronizer) Close() {
	s.session.Off(model.EventFriendRequest, handlerID)
	s.session.Off(model.EventRequestAccepted, handlerID)
	s.session.Off(model.EventRequestRejected, handlerID)
}

// OnChange observes any friend/request mutation (for re-render).
func (s *Synchronizer) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// OnFriendRemoved fires after an unfriend so the caller can drop the
// conversation.
func (s *Synchronizer) OnFriendRemoved(fn func(peer string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFriendRemoved = fn
}

// Refresh replaces local state with the authoritative REST snapshot.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	friends, err := s.api.Friends(ctx)
	if err != nil {
		return err
	}
	requests, err := s.api.FriendRequests(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.friends = make(map[string]*model.Friend, len(friends))
	for i := range friends {
		f := friends[i]
		s.friends[f.Phone] = &f
	}
	s.pending = make(map[string]*model.FriendRequest, len(requests))
	for i := range requests {
		r := requests[i]
		if r.Status == model.RequestPending {
			s.pending[r.ID] = &r
		}
	}
	s.mu.Unlock()

	s.fireChange()
	return nil
}

// SendRequest opens a pending request towards target after verifying it
// resolves to a real user other than the local one.
func (s *Synchronizer) SendRequest(ctx context.Context, target string) (*model.FriendRequest, error) {
	if target == s.self {
		return nil, ErrSelfRequest
	}
	if _, err := s.api.LookupUser(ctx, target); err != nil {
		if errors.Is(err, rest.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, target)
		}
		return nil, err
	}

	req, err := s.api.CreateFriendRequest(ctx, target)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pending[req.ID] = req
	s.mu.Unlock()
	s.fireChange()
	return req, nil
}

// Respond moves a request to its terminal state. The REST write lands first;
// only then is the outcome re-emitted over the relay so the requester's
// session learns it without polling. A failed emit is logged, never
// returned: the state is already correct and the peer catches up on its next
// refetch.
func (s *Synchronizer) Respond(ctx context.Context, requestID, action string) error {
	if action != "accept" && action != "reject" {
		return fmt.Errorf("friends: unknown action %q", action)
	}

	s.mu.Lock()
	req := s.pending[requestID]
	s.mu.Unlock()

	if err := s.api.RespondFriendRequest(ctx, requestID, action); err != nil {
		return err
	}

	outcome := model.RequestRejected
	if action == "accept" {
		outcome = model.RequestAccepted
	}
	if req != nil {
		s.applyOutcome(requestID, req.From, req.FromName, outcome)
	}

	if req == nil {
		log.Printf("friends: responded to unknown request %s, skipping relay notify", requestID)
		return nil
	}
	err := s.session.Emit(model.EventRequestResponse, model.FriendResponsePayload{
		RequestID: requestID,
		Action:    action,
		FriendID:  req.From,
	})
	if err != nil {
		log.Printf("friends: outcome emit for %s failed (peer will see it on refetch): %v", requestID, err)
	}
	return nil
}

// Unfriend removes the relationship on both the REST side and locally.
func (s *Synchronizer) Unfriend(ctx context.Context, phone string) error {
	if err := s.api.DeleteFriend(ctx, phone); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.friends, phone)
	removed := s.onFriendRemoved
	s.mu.Unlock()

	s.fireChange()
	if removed != nil {
		removed(phone)
	}
	return nil
}

// Friends returns the friend list sorted by phone.
func (s *Synchronizer) Friends() []model.Friend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Friend, 0, len(s.friends))
	for _, f := range s.friends {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	return out
}

// PendingRequests returns the pending requests sorted by id.
func (s *Synchronizer) PendingRequests() []model.FriendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.FriendRequest, 0, len(s.pending))
	for _, r := range s.pending {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsFriend reports whether phone is in the current friend list.
func (s *Synchronizer) IsFriend(phone string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.friends[phone]
	return ok
}

func (s *Synchronizer) handleFriendRequest(data json.RawMessage) {
	var p model.FriendRequestPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RequestID == "" {
		return
	}

	s.mu.Lock()
	if _, ok := s.pending[p.RequestID]; !ok {
		s.pending[p.RequestID] = &model.FriendRequest{
			ID:       p.RequestID,
			FromName: p.Name,
			From:     p.Phone,
			To:       s.self,
			Status:   model.RequestPending,
		}
	}
	s.mu.Unlock()

	s.fireChange()
	if s.notifier != nil {
		s.notifier.Notify(notify.KindFriendRequest, p.RequestID,
			"Friend request", fmt.Sprintf("%s (%s) wants to be your friend", p.Name, p.Phone))
	}
}

func (s *Synchronizer) handleAccepted(data json.RawMessage) {
	var p model.RequestOutcomePayload
	if err := json.Unmarshal(data, &p); err != nil || p.Phone == "" {
		return
	}
	s.applyOutcome(p.RequestID, p.Phone, p.Name, model.RequestAccepted)
	if s.notifier != nil {
		s.notifier.Notify(notify.KindRequestAccepted, outcomeKey(p.RequestID, p.Phone, "accepted"),
			"Request accepted", fmt.Sprintf("%s accepted your friend request", p.Name))
	}
}

func (s *Synchronizer) handleRejected(data json.RawMessage) {
	var p model.RequestOutcomePayload
	if err := json.Unmarshal(data, &p); err != nil || p.Phone == "" {
		return
	}
	s.applyOutcome(p.RequestID, p.Phone, p.Name, model.RequestRejected)
	if s.notifier != nil {
		s.notifier.Notify(notify.KindRequestRejected, outcomeKey(p.RequestID, p.Phone, "rejected"),
			"Request rejected", fmt.Sprintf("%s rejected your friend request", p.Name))
	}
}

// applyOutcome applies a terminal state. Safe to call any number of times
// for the same request: the pending entry is removed at most once and the
// friend entry is created at most once.
func (s *Synchronizer) applyOutcome(requestID, peer, peerName string, outcome model.RequestStatus) {
	s.mu.Lock()
	if requestID != "" {
		delete(s.pending, requestID)
	}
	// The wire payload may omit the request id; fall back to matching the
	// peer on either side of the request.
	for id, r := range s.pending {
		if r.From == peer || r.To == peer {
			delete(s.pending, id)
		}
	}

	if outcome == model.RequestAccepted {
		if _, ok := s.friends[peer]; !ok {
			name := peerName
			if name == "" {
				name = peer
			}
			s.friends[peer] = &model.Friend{
				Phone:       peer,
				DisplayName: name,
				Presence:    model.PresenceOnline,
			}
		}
	}
	s.mu.Unlock()
	s.fireChange()
}

func (s *Synchronizer) fireChange() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func outcomeKey(requestID, peer, outcome string) string {
	if requestID != "" {
		return requestID + ":" + outcome
	}
	return peer + ":" + outcome
}
