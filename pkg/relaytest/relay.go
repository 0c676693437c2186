// Package relaytest hosts in-process stand-ins for the two external
// collaborators — the realtime relay and the REST persistence API — so the
// cross-peer scenarios (send/echo dedup, typing leases, friend lifecycle
// round-trips) are testable without infrastructure. The relay reproduces the
// production wire behavior the client core depends on, including echoing a
// sender's own message back on the message channel.
package relaytest

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/batua-realtime/pkg/auth"
	"github.com/mahaj/batua-realtime/pkg/model"
	"github.com/mahaj/batua-realtime/pkg/snowflake"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type relayClient struct {
	phone string
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
}

// Relay is a single-process relay server.
type Relay struct {
	srv  *httptest.Server
	node *snowflake.Node

	mu        sync.Mutex
	sessions  map[string]*relayClient
	rooms     map[string]map[string]bool
	names     map[string]string
	onMessage func(model.ChatMessage)
}

func NewRelay() *Relay {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	r := &Relay{
		node:     node,
		sessions: make(map[string]*relayClient),
		rooms:    make(map[string]map[string]bool),
		names:    make(map[string]string),
	}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serveWs))
	return r
}

// URL is the websocket endpoint to dial.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

// SetName registers a display name used in outcome payloads.
func (r *Relay) SetName(phone, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[phone] = name
}

// OnMessage observes every persisted message (the REST fixture hooks this to
// append history).
func (r *Relay) OnMessage(fn func(model.ChatMessage)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMessage = fn
}

// Rooms returns the rooms a user has joined on its current connection.
func (r *Relay) Rooms(phone string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms[phone]))
	for room := range r.rooms[phone] {
		out = append(out, room)
	}
	return out
}

// Connected reports whether a session for phone is registered.
func (r *Relay) Connected(phone string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[phone]
	return ok
}

// DeliverFriendRequest pushes a friend_request event to the target session.
func (r *Relay) DeliverFriendRequest(target string, p model.FriendRequestPayload) {
	r.deliver(target, model.EventFriendRequest, "", p)
}

// Disconnect force-closes a user's connection, as a network drop would.
func (r *Relay) Disconnect(phone string) {
	r.mu.Lock()
	c := r.sessions[phone]
	r.mu.Unlock()
	if c != nil {
		c.conn.Close()
	}
}

func (r *Relay) Close() {
	r.mu.Lock()
	for _, c := range r.sessions {
		c.conn.Close()
	}
	r.sessions = make(map[string]*relayClient)
	r.mu.Unlock()
	r.srv.Close()
}

func (r *Relay) serveWs(w http.ResponseWriter, req *http.Request) {
	tokenString := req.Header.Get("Authorization")
	if tokenString == "" {
		tokenString = req.URL.Query().Get("token")
	}
	if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
		tokenString = tokenString[7:]
	}
	claims, err := auth.ValidateToken(tokenString)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("relaytest: upgrade: %v", err)
		return
	}

	c := &relayClient{phone: claims.Phone, conn: conn, send: make(chan []byte, 256), done: make(chan struct{})}

	r.mu.Lock()
	if old, ok := r.sessions[c.phone]; ok {
		old.conn.Close()
	}
	r.sessions[c.phone] = c
	// Fresh connection, fresh membership: the relay does not remember
	// rooms across reconnects.
	r.rooms[c.phone] = make(map[string]bool)
	r.mu.Unlock()

	go c.writePump()
	r.readPump(c)
}

func (c *relayClient) writePump() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (r *Relay) readPump(c *relayClient) {
	defer func() {
		r.mu.Lock()
		if r.sessions[c.phone] == c {
			delete(r.sessions, c.phone)
			delete(r.rooms, c.phone)
		}
		r.mu.Unlock()
		close(c.done)
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := model.ParseEnvelope(raw)
		if err != nil {
			continue
		}
		r.route(c, env)
	}
}

func (r *Relay) route(c *relayClient, env *model.Envelope) {
	switch env.Event {
	case model.EventJoinChat:
		var p model.JoinChatPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		r.mu.Lock()
		if r.rooms[c.phone] == nil {
			r.rooms[c.phone] = make(map[string]bool)
		}
		r.rooms[c.phone][p.FriendPhone] = true
		r.mu.Unlock()

	case model.EventMessage:
		var p model.MessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		p.Sender = c.phone
		p.ID = r.node.GenerateString()
		p.SentAt = time.Now().UTC()

		if env.AckID != "" {
			r.deliver(c.phone, model.EventAck, env.AckID, p)
		}
		// Fan out to both participants; the sender's copy is the echo
		// the reconciler must collapse.
		r.deliver(c.phone, model.EventMessage, "", p)
		if p.Receiver != c.phone {
			r.deliver(p.Receiver, model.EventMessage, "", p)
		}

		r.mu.Lock()
		persist := r.onMessage
		r.mu.Unlock()
		if persist != nil {
			persist(model.ChatMessage{
				ID:       p.ID,
				Sender:   p.Sender,
				Receiver: p.Receiver,
				Body:     p.Message,
				SentAt:   p.SentAt,
			})
		}

	case model.EventTyping, model.EventStopTyping:
		var p model.TypingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		r.deliver(p.Receiver, env.Event, "", model.TypingPayload{Sender: c.phone})

	case model.EventRequestResponse:
		var p model.FriendResponsePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		outcome := model.EventRequestRejected
		if p.Action == "accept" {
			outcome = model.EventRequestAccepted
		}
		r.mu.Lock()
		name := r.names[c.phone]
		r.mu.Unlock()
		if name == "" {
			name = c.phone
		}
		r.deliver(p.FriendID, outcome, "", model.RequestOutcomePayload{
			Name:      name,
			Phone:     c.phone,
			RequestID: p.RequestID,
		})
	}
}

func (r *Relay) deliver(phone string, event model.Event, ackID string, payload any) {
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		return
	}
	env.AckID = ackID
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	r.mu.Lock()
	c := r.sessions[phone]
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		log.Printf("relaytest: dropped %s for %s: buffer full", event, phone)
	}
}
