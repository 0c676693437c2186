// Package transport owns the authenticated realtime connection to the relay.
// It exposes typed subscribe/emit on top of a single websocket and handles
// reconnection with bounded exponential backoff, re-establishing server-side
// room membership after every reconnect.
package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mahaj/batua-realtime/pkg/auth"
	"github.com/mahaj/batua-realtime/pkg/model"
)

// State is the connection state of a Session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Handler receives the raw payload of one envelope.
type Handler func(data json.RawMessage)

type Config struct {
	// Time allowed to write a message to the relay.
	WriteWait time.Duration

	// Time allowed to read the next pong message from the relay.
	PongWait time.Duration

	// Send pings with this period. Must be less than PongWait.
	PingPeriod time.Duration

	// Maximum message size allowed from the relay.
	MaxMessageSize int64

	// Retry budget shared by the initial dial and each reconnect cycle.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 4096,
		MaxRetries:     5,
		BackoffBase:    500 * time.Millisecond,
		BackoffCap:     8 * time.Second,
	}
}

// Session is one authenticated realtime connection.
type Session struct {
	url   string
	token string
	phone string
	cfg   Config

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan []byte
	connDone  chan struct{}
	state     State
	closed    bool
	handlers  map[model.Event]map[string]Handler
	acks      map[string]Handler
	rooms     map[string]bool
	stateSubs []func(State)

	done chan struct{}
}

// Dial validates the token, connects to the relay and starts the pumps.
// A rejected token yields *AuthError; an unreachable relay yields
// *NetworkError once the retry budget is spent.
func Dial(ctx context.Context, relayURL, token string, cfg Config) (*Session, error) {
	claims, err := auth.ValidateToken(token)
	if err != nil {
		return nil, &AuthError{Err: err}
	}

	s := &Session{
		url:      relayURL,
		token:    token,
		phone:    claims.Phone,
		cfg:      cfg,
		state:    StateConnecting,
		handlers: make(map[model.Event]map[string]Handler),
		acks:     make(map[string]Handler),
		rooms:    make(map[string]bool),
		done:     make(chan struct{}),
	}

	conn, err := s.dialWithBackoff(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return nil, err
	}

	s.install(conn)
	return s, nil
}

func (s *Session) dialWithBackoff(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Add("Authorization", "Bearer "+s.token)

	backoff := s.cfg.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
		if err == nil {
			return conn, nil
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Err: err}
		}
		lastErr = err
		if attempt == s.cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, &NetworkError{Attempts: attempt, Err: ctx.Err()}
		case <-s.done:
			return nil, ErrClosed
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > s.cfg.BackoffCap {
			backoff = s.cfg.BackoffCap
		}
	}
	return nil, &NetworkError{Attempts: s.cfg.MaxRetries, Err: lastErr}
}

// install wires a fresh connection, starts its pumps and rejoins rooms.
func (s *Session) install(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.send = make(chan []byte, 256)
	s.connDone = make(chan struct{})
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	send, connDone := s.send, s.connDone
	s.mu.Unlock()

	go s.writePump(conn, send, connDone)
	go s.readPump(conn, connDone)

	s.setState(StateConnected)

	// The relay does not remember membership across connections.
	for _, room := range rooms {
		if env, err := model.NewEnvelope(model.EventJoinChat, model.JoinChatPayload{FriendPhone: room}); err == nil {
			if data, err := json.Marshal(env); err == nil {
				select {
				case send <- data:
				default:
					log.Printf("transport: dropped rejoin for %s: send buffer full", room)
				}
			}
		}
	}
}

// Phone returns the authenticated user's id.
func (s *Session) Phone() string { return s.phone }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers an observer for connection-state transitions.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateSubs = append(s.stateSubs, fn)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	subs := make([]func(State), len(s.stateSubs))
	copy(subs, s.stateSubs)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}

// On registers a handler for an event. Registration is idempotent per
// (event, id): re-registering the same id replaces, never duplicates.
func (s *Session) On(event model.Event, id string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[string]Handler)
	}
	s.handlers[event][id] = h
}

// Off removes a handler registered with On.
func (s *Session) Off(event model.Event, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers[event], id)
}

// Emit sends a payload immediately, or fails fast with ErrNotConnected.
func (s *Session) Emit(event model.Event, payload any) error {
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return s.write(env)
}

// EmitWithAck sends a payload and invokes ack with the relay's response
// for it. The ack is correlated by a generated id and delivered at most once.
func (s *Session) EmitWithAck(event model.Event, payload any, ack Handler) error {
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	env.AckID = uuid.NewString()

	s.mu.Lock()
	s.acks[env.AckID] = ack
	s.mu.Unlock()

	if err := s.write(env); err != nil {
		s.mu.Lock()
		delete(s.acks, env.AckID)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Session) write(env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	send := s.send
	s.mu.Unlock()

	select {
	case send <- data:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Join emits join-chat for a room and records it so membership is
// re-established after every reconnect.
func (s *Session) Join(friendPhone string) error {
	s.mu.Lock()
	s.rooms[friendPhone] = true
	s.mu.Unlock()
	return s.Emit(model.EventJoinChat, model.JoinChatPayload{FriendPhone: friendPhone})
}

// Leave forgets a recorded room.
func (s *Session) Leave(friendPhone string) {
	s.mu.Lock()
	delete(s.rooms, friendPhone)
	s.mu.Unlock()
}

// Close tears the session down. All pumps stop, pending acks are dropped and
// further Emit calls fail with ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.acks = make(map[string]Handler)
	s.handlers = make(map[model.Event]map[string]Handler)
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	s.setState(StateDisconnected)
	return nil
}

// readPump pumps envelopes from the websocket to the registered handlers.
func (s *Session) readPump(conn *websocket.Conn, connDone chan struct{}) {
	defer func() {
		close(connDone)
		conn.Close()
		s.handleDisconnect(conn)
	}()

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("transport: read error: %v", err)
			}
			return
		}

		env, err := model.ParseEnvelope(raw)
		if err != nil {
			log.Printf("transport: bad frame: %v", err)
			continue
		}
		s.dispatch(env)
	}
}

// writePump pumps queued frames to the websocket and keeps the connection
// alive with pings.
func (s *Session) writePump(conn *websocket.Conn, send chan []byte, connDone chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-connDone:
			return
		case <-s.done:
			return
		}
	}
}

// dispatch routes one inbound envelope. Handlers run sequentially on the
// read goroutine, so per-connection ordering is preserved.
func (s *Session) dispatch(env *model.Envelope) {
	if env.Event == model.EventAck && env.AckID != "" {
		s.mu.Lock()
		ack := s.acks[env.AckID]
		delete(s.acks, env.AckID)
		s.mu.Unlock()
		if ack != nil {
			ack(env.Data)
		}
		return
	}

	s.mu.Lock()
	hs := make([]Handler, 0, len(s.handlers[env.Event]))
	for _, h := range s.handlers[env.Event] {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	for _, h := range hs {
		h(env.Data)
	}
}

// handleDisconnect transitions to Reconnecting and retries in the
// background. After the retry budget is spent the session stays
// Disconnected; the caller decides whether to dial again.
func (s *Session) handleDisconnect(conn *websocket.Conn) {
	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	// Acks for in-flight emits can never arrive on the next connection;
	// releasing them here keeps the map from growing across reconnects.
	dropped := len(s.acks)
	s.acks = make(map[string]Handler)
	s.mu.Unlock()

	if dropped > 0 {
		log.Printf("transport: dropped %d pending acks on disconnect", dropped)
	}

	s.setState(StateReconnecting)

	go func() {
		next, err := s.dialWithBackoff(context.Background())
		if err != nil {
			log.Printf("transport: reconnect failed: %v", err)
			s.setState(StateDisconnected)
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			next.Close()
			return
		}
		s.mu.Unlock()
		s.install(next)
	}()
}
