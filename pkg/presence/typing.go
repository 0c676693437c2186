// Package presence drives the per-conversation typing indicator. Remote
// liveness is treated as a lease: every typing event must be renewed within
// RemoteTTL or the indicator self-clears, because a stop-typing event is not
// guaranteed to arrive (peer crash, dropped packet).
package presence

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/mahaj/batua-realtime/pkg/model"
	"github.com/mahaj/batua-realtime/pkg/transport"
)

const handlerID = "presence"

// Session is the slice of the transport the tracker needs.
type Session interface {
	Emit(event model.Event, payload any) error
	On(event model.Event, id string, h transport.Handler)
	Off(event model.Event, id string)
}

type Config struct {
	// EmitInterval suppresses re-emits while continuously typing: at most
	// one typing event per interval.
	EmitInterval time.Duration

	// IdleTimeout is the local inactivity window after which stop-typing
	// is emitted.
	IdleTimeout time.Duration

	// RemoteTTL is the lease on a remote typing signal. Must be at least
	// the peer's IdleTimeout so a live typer never flickers.
	RemoteTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		EmitInterval: 2 * time.Second,
		IdleTimeout:  4 * time.Second,
		RemoteTTL:    6 * time.Second,
	}
}

type convState struct {
	localTyping  bool
	lastEmit     time.Time
	idleTimer    *time.Timer
	remoteTyping bool
	remoteTimer  *time.Timer
}

type Tracker struct {
	self    string
	session Session
	cfg     Config

	mu       sync.Mutex
	states   map[string]*convState
	onChange func(peer string, typing bool)
	closed   bool
}

func NewTracker(self string, session Session, cfg Config) *Tracker {
	return &Tracker{
		self:    self,
		session: session,
		cfg:     cfg,
		states:  make(map[string]*convState),
	}
}

// Attach subscribes to the remote typing events.
func (t *Tracker) Attach() {
	t.session.On(model.EventTyping, handlerID, t.handleTyping)
	t.session.On(model.EventStopTyping, handlerID, t.handleStopTyping)
}

// OnChange observes remote indicator flips.
func (t *Tracker) OnChange(fn func(peer string, typing bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

func (t *Tracker) state(peer string) *convState {
	st, ok := t.states[peer]
	if !ok {
		st = &convState{}
		t.states[peer] = st
	}
	return st
}

// Keystroke marks local typing activity towards peer. The typing event is
// emitted at most once per EmitInterval; the idle timer is refreshed on
// every call.
func (t *Tracker) Keystroke(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	st := t.state(peer)
	now := time.Now()
	if !st.localTyping || now.Sub(st.lastEmit) >= t.cfg.EmitInterval {
		if err := t.session.Emit(model.EventTyping, model.TypingPayload{Receiver: peer}); err != nil {
			log.Printf("presence: typing emit to %s: %v", peer, err)
		}
		st.lastEmit = now
	}
	st.localTyping = true

	if st.idleTimer != nil {
		st.idleTimer.Stop()
	}
	st.idleTimer = time.AfterFunc(t.cfg.IdleTimeout, func() { t.goIdle(peer) })
}

// Sent transitions Typing to Idle immediately on an explicit send.
func (t *Tracker) Sent(peer string) {
	t.goIdle(peer)
}

func (t *Tracker) goIdle(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	// Never revive a conversation Forget already dropped.
	st, ok := t.states[peer]
	if !ok {
		return
	}
	if st.idleTimer != nil {
		st.idleTimer.Stop()
		st.idleTimer = nil
	}
	if !st.localTyping {
		return
	}
	st.localTyping = false
	st.lastEmit = time.Time{}
	if err := t.session.Emit(model.EventStopTyping, model.TypingPayload{Receiver: peer}); err != nil {
		log.Printf("presence: stop-typing emit to %s: %v", peer, err)
	}
}

// IsRemoteTyping reports whether peer holds a live typing lease.
func (t *Tracker) IsRemoteTyping(peer string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[peer]
	return ok && st.remoteTyping
}

func (t *Tracker) handleTyping(data json.RawMessage) {
	var p model.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Sender == "" {
		return
	}
	t.setRemote(p.Sender, true)
}

func (t *Tracker) handleStopTyping(data json.RawMessage) {
	var p model.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Sender == "" {
		return
	}
	t.setRemote(p.Sender, false)
}

func (t *Tracker) setRemote(peer string, typing bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	st, ok := t.states[peer]
	if !ok {
		// Clearing a peer with no state (forgotten, or a stray stop
		// event) must not re-create the entry.
		if !typing {
			t.mu.Unlock()
			return
		}
		st = &convState{}
		t.states[peer] = st
	}
	changed := st.remoteTyping != typing
	st.remoteTyping = typing

	if st.remoteTimer != nil {
		st.remoteTimer.Stop()
		st.remoteTimer = nil
	}
	if typing {
		// Renew the lease; expiry is the backstop for a lost stop event.
		st.remoteTimer = time.AfterFunc(t.cfg.RemoteTTL, func() { t.setRemote(peer, false) })
	}

	onChange := t.onChange
	t.mu.Unlock()

	if changed && onChange != nil {
		onChange(peer, typing)
	}
}

// Forget drops the state and timers of one conversation.
func (t *Tracker) Forget(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[peer]; ok {
		if st.idleTimer != nil {
			st.idleTimer.Stop()
		}
		if st.remoteTimer != nil {
			st.remoteTimer.Stop()
		}
		delete(t.states, peer)
	}
}

// Close stops every timer and detaches from the session.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	for _, st := range t.states {
		if st.idleTimer != nil {
			st.idleTimer.Stop()
		}
		if st.remoteTimer != nil {
			st.remoteTimer.Stop()
		}
	}
	t.states = make(map[string]*convState)
	t.mu.Unlock()

	t.session.Off(model.EventTyping, handlerID)
	t.session.Off(model.EventStopTyping, handlerID)
}
