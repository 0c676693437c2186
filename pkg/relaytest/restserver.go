package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mahaj/batua-realtime/pkg/auth"
	"github.com/mahaj/batua-realtime/pkg/model"
)

// RESTServer is an in-memory stand-in for the persistence API described by
// the client contract: login, message history, friend list and the
// friend-request ledger.
type RESTServer struct {
	srv   *httptest.Server
	relay *Relay

	mu       sync.Mutex
	users    map[string]model.Friend
	history  map[string][]model.ChatMessage
	requests map[string]*model.FriendRequest
	friends  map[string]map[string]bool
	nextID   int
}

// NewRESTServer starts the fixture. When relay is non-nil, delivered
// messages are appended to history and new friend requests are pushed to the
// target's session, matching the production dual-write.
func NewRESTServer(relay *Relay) *RESTServer {
	s := &RESTServer{
		relay:    relay,
		users:    make(map[string]model.Friend),
		history:  make(map[string][]model.ChatMessage),
		requests: make(map[string]*model.FriendRequest),
		friends:  make(map[string]map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /history", s.withAuth(s.handleHistory))
	mux.HandleFunc("GET /friends", s.withAuth(s.handleFriends))
	mux.HandleFunc("DELETE /friends/{phone}", s.withAuth(s.handleDeleteFriend))
	mux.HandleFunc("GET /friend-requests", s.withAuth(s.handleRequests))
	mux.HandleFunc("POST /friend-requests", s.withAuth(s.handleCreateRequest))
	mux.HandleFunc("PATCH /friend-requests/{id}", s.withAuth(s.handleRespondRequest))
	mux.HandleFunc("GET /users/{phone}", s.withAuth(s.handleLookup))
	s.srv = httptest.NewServer(mux)

	if relay != nil {
		relay.OnMessage(s.appendHistory)
	}
	return s
}

func (s *RESTServer) URL() string { return s.srv.URL }

func (s *RESTServer) Close() { s.srv.Close() }

// AddUser registers a known user.
func (s *RESTServer) AddUser(phone, name string) {
	s.mu.Lock()
	s.users[phone] = model.Friend{Phone: phone, DisplayName: name, Presence: model.PresenceOffline, LastSeen: time.Now().UTC()}
	s.mu.Unlock()
	if s.relay != nil {
		s.relay.SetName(phone, name)
	}
}

// MakeFriends links two users directly (test setup shortcut).
func (s *RESTServer) MakeFriends(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link(a, b)
}

func (s *RESTServer) link(a, b string) {
	if s.friends[a] == nil {
		s.friends[a] = make(map[string]bool)
	}
	if s.friends[b] == nil {
		s.friends[b] = make(map[string]bool)
	}
	s.friends[a][b] = true
	s.friends[b][a] = true
}

func convKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

func (s *RESTServer) appendHistory(m model.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := convKey(m.Sender, m.Receiver)
	s.history[key] = append(s.history[key], m)
}

func (s *RESTServer) withAuth(next func(w http.ResponseWriter, r *http.Request, phone string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}
		claims, err := auth.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r, claims.Phone)
	}
}

func (s *RESTServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" {
		http.Error(w, "phone is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if _, ok := s.users[req.Phone]; !ok {
		s.users[req.Phone] = model.Friend{Phone: req.Phone, DisplayName: req.Phone, Presence: model.PresenceOffline}
	}
	s.mu.Unlock()

	token, err := auth.GenerateToken(req.Phone)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"token": token})
}

func (s *RESTServer) handleHistory(w http.ResponseWriter, r *http.Request, phone string) {
	peer := r.URL.Query().Get("peer")
	s.mu.Lock()
	msgs := append([]model.ChatMessage(nil), s.history[convKey(phone, peer)]...)
	s.mu.Unlock()
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) })
	writeJSON(w, msgs)
}

func (s *RESTServer) handleFriends(w http.ResponseWriter, r *http.Request, phone string) {
	s.mu.Lock()
	out := make([]model.Friend, 0, len(s.friends[phone]))
	for p := range s.friends[phone] {
		if u, ok := s.users[p]; ok {
			out = append(out, u)
		} else {
			out = append(out, model.Friend{Phone: p, DisplayName: p})
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	writeJSON(w, out)
}

func (s *RESTServer) handleDeleteFriend(w http.ResponseWriter, r *http.Request, phone string) {
	target := r.PathValue("phone")
	s.mu.Lock()
	delete(s.friends[phone], target)
	delete(s.friends[target], phone)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *RESTServer) handleRequests(w http.ResponseWriter, r *http.Request, phone string) {
	s.mu.Lock()
	out := make([]model.FriendRequest, 0)
	for _, req := range s.requests {
		if req.From == phone || req.To == phone {
			out = append(out, *req)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, out)
}

func (s *RESTServer) handleCreateRequest(w http.ResponseWriter, r *http.Request, phone string) {
	var body struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Target == "" {
		http.Error(w, "target is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if _, ok := s.users[body.Target]; !ok {
		s.mu.Unlock()
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	s.nextID++
	req := &model.FriendRequest{
		ID:       "fr-" + strconv.Itoa(s.nextID),
		From:     phone,
		FromName: s.users[phone].DisplayName,
		To:       body.Target,
		Status:   model.RequestPending,
	}
	s.requests[req.ID] = req
	s.mu.Unlock()

	if s.relay != nil {
		s.relay.DeliverFriendRequest(req.To, model.FriendRequestPayload{
			Name:      req.FromName,
			Phone:     req.From,
			RequestID: req.ID,
		})
	}
	writeJSON(w, req)
}

func (s *RESTServer) handleRespondRequest(w http.ResponseWriter, r *http.Request, phone string) {
	id := r.PathValue("id")
	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Action != "accept" && body.Action != "reject" {
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		http.Error(w, "request not found", http.StatusNotFound)
		return
	}
	if req.Status.Terminal() {
		// Terminal states are immutable; applying the same response
		// twice is a no-op, not an error.
		w.WriteHeader(http.StatusOK)
		return
	}
	if body.Action == "accept" {
		req.Status = model.RequestAccepted
		s.link(req.From, req.To)
	} else {
		req.Status = model.RequestRejected
	}
	w.WriteHeader(http.StatusOK)
}

func (s *RESTServer) handleLookup(w http.ResponseWriter, r *http.Request, phone string) {
	target := r.PathValue("phone")
	s.mu.Lock()
	u, ok := s.users[target]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, u)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// SeedHistory preloads a conversation (test setup shortcut).
func (s *RESTServer) SeedHistory(msgs ...model.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		key := convKey(m.Sender, m.Receiver)
		s.history[key] = append(s.history[key], m)
	}
}
