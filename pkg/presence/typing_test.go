package presence

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/batua-realtime/pkg/model"
	"github.com/mahaj/batua-realtime/pkg/transport"
)

type fakeSession struct {
	mu       sync.Mutex
	emits    []model.Event
	handlers map[model.Event]transport.Handler
	emitErr  error
}

func newFakeSession() *fakeSession {
	return &fakeSession{handlers: make(map[model.Event]transport.Handler)}
}

func (f *fakeSession) Emit(event model.Event, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, event)
	return nil
}

func (f *fakeSession) On(event model.Event, id string, h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeSession) Off(event model.Event, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, event)
}

func (f *fakeSession) fire(t *testing.T, event model.Event, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	require.NotNil(t, h, "no handler for %s", event)
	h(data)
}

func (f *fakeSession) count(event model.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emits {
		if e == event {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		EmitInterval: 40 * time.Millisecond,
		IdleTimeout:  80 * time.Millisecond,
		RemoteTTL:    120 * time.Millisecond,
	}
}

func TestKeystrokeEmitsAtMostOncePerInterval(t *testing.T) {
	session := newFakeSession()
	tr := NewTracker("me", session, testConfig())
	tr.Attach()
	defer tr.Close()

	tr.Keystroke("peer")
	tr.Keystroke("peer")
	tr.Keystroke("peer")
	require.Equal(t, 1, session.count(model.EventTyping))

	time.Sleep(50 * time.Millisecond)
	tr.Keystroke("peer")
	require.Equal(t, 2, session.count(model.EventTyping))
}

func TestIdleTimeoutEmitsStopTyping(t *testing.T) {
	session := newFakeSession()
	tr := NewTracker("me", session, testConfig())
	tr.Attach()
	defer tr.Close()

	tr.Keystroke("peer")
	require.Equal(t, 0, session.count(model.EventStopTyping))

	require.Eventually(t, func() bool {
		return session.count(model.EventStopTyping) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSentForcesIdleImmediately(t *testing.T) {
	session := newFakeSession()
	tr := NewTracker("me", session, testConfig())
	tr.Attach()
	defer tr.Close()

	tr.Keystroke("peer")
	tr.Sent("peer")
	require.Equal(t, 1, session.count(model.EventStopTyping))

	// Idle after Sent; another Sent must not re-emit.
	tr.Sent("peer")
	require.Equal(t, 1, session.count(model.EventStopTyping))
}

func TestRemoteTypingSelfExpiresWithoutStopEvent(t *testing.T) {
	session := newFakeSession()
	tr := NewTracker("me", session, testConfig())
	tr.Attach()
	defer tr.Close()

	var flips []bool
	var mu sync.Mutex
	tr.OnChange(func(peer string, typing bool) {
		mu.Lock()
		flips = append(flips, typing)
		mu.Unlock()
	})

	session.fire(t, model.EventTyping, model.TypingPayload{Sender: "peer"})
	require.True(t, tr.IsRemoteTyping("peer"))

	// The peer crashed and never sent stop-typing. The lease must lapse.
	require.Eventually(t, func() bool {
		return !tr.IsRemoteTyping("peer")
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{true, false}, flips)
}

func TestRemoteTypingRenewalExtendsLease(t *testing.T) {
	session := newFakeSession()
	tr := NewTracker("me", session, testConfig())
	tr.Attach()
	defer tr.Close()

	session.fire(t, model.EventTyping, model.TypingPayload{Sender: "peer"})
	time.Sleep(80 * time.Millisecond)
	session.fire(t, model.EventTyping, model.TypingPayload{Sender: "peer"})
	time.Sleep(80 * time.Millisecond)
	// Two renewals, each inside the TTL: still typing.
	require.True(t, tr.IsRemoteTyping("peer"))
}

func TestRemoteStopTypingClearsImmediately(t *testing.T) {
	session := newFakeSession()
	tr := NewTracker("me", session, testConfig())
	tr.Attach()
	defer tr.Close()

	session.fire(t, model.EventTyping, model.TypingPayload{Sender: "peer"})
	session.fire(t, model.EventStopTyping, model.TypingPayload{Sender: "peer"})
	require.False(t, tr.IsRemoteTyping("peer"))
}

func TestForgottenPeerIsNotResurrected(t *testing.T) {
	session := newFakeSession()
	tr := NewTracker("me", session, testConfig())
	tr.Attach()
	defer tr.Close()

	tr.Keystroke("peer")
	session.fire(t, model.EventTyping, model.TypingPayload{Sender: "peer"})
	require.True(t, tr.IsRemoteTyping("peer"))

	tr.Forget("peer")
	require.False(t, tr.IsRemoteTyping("peer"))

	// Clearing paths must not re-create state for a dropped conversation:
	// a late stop event and an explicit send both find nothing to clear.
	session.fire(t, model.EventStopTyping, model.TypingPayload{Sender: "peer"})
	tr.Sent("peer")

	tr.mu.Lock()
	_, exists := tr.states["peer"]
	tr.mu.Unlock()
	require.False(t, exists)
	require.Equal(t, 0, session.count(model.EventStopTyping))
}

func TestCloseStopsTimers(t *testing.T) {
	session := newFakeSession()
	tr := NewTracker("me", session, testConfig())
	tr.Attach()

	tr.Keystroke("peer")
	tr.Close()

	// The idle timer was stopped with everything else: no stop-typing
	// emit after teardown.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 0, session.count(model.EventStopTyping))
}
