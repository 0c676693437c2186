package transport_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/batua-realtime/pkg/auth"
	"github.com/mahaj/batua-realtime/pkg/model"
	"github.com/mahaj/batua-realtime/pkg/relaytest"
	"github.com/mahaj/batua-realtime/pkg/transport"
)

func testConfig() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.MaxRetries = 3
	cfg.BackoffBase = 20 * time.Millisecond
	cfg.BackoffCap = 100 * time.Millisecond
	return cfg
}

func dialUser(t *testing.T, relay *relaytest.Relay, phone string) *transport.Session {
	t.Helper()
	token, err := auth.GenerateToken(phone)
	require.NoError(t, err)
	s, err := transport.Dial(context.Background(), relay.URL(), token, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDialRejectsBadToken(t *testing.T) {
	relay := relaytest.NewRelay()
	defer relay.Close()

	_, err := transport.Dial(context.Background(), relay.URL(), "not-a-token", testConfig())
	var authErr *transport.AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestDialUnreachableRelay(t *testing.T) {
	token, err := auth.GenerateToken("1000")
	require.NoError(t, err)

	_, err = transport.Dial(context.Background(), "ws://127.0.0.1:1", token, testConfig())
	var netErr *transport.NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Equal(t, 3, netErr.Attempts)
}

func TestEmitDeliversAndEchoes(t *testing.T) {
	relay := relaytest.NewRelay()
	defer relay.Close()

	a := dialUser(t, relay, "1000")
	b := dialUser(t, relay, "2000")

	var mu sync.Mutex
	var atB, atA []model.MessagePayload
	b.On(model.EventMessage, "test", func(data json.RawMessage) {
		var p model.MessagePayload
		require.NoError(t, json.Unmarshal(data, &p))
		mu.Lock()
		atB = append(atB, p)
		mu.Unlock()
	})
	a.On(model.EventMessage, "test", func(data json.RawMessage) {
		var p model.MessagePayload
		require.NoError(t, json.Unmarshal(data, &p))
		mu.Lock()
		atA = append(atA, p)
		mu.Unlock()
	})

	acked := make(chan model.MessagePayload, 1)
	err := a.EmitWithAck(model.EventMessage, model.MessagePayload{Receiver: "2000", Message: "hi"}, func(data json.RawMessage) {
		var p model.MessagePayload
		require.NoError(t, json.Unmarshal(data, &p))
		acked <- p
	})
	require.NoError(t, err)

	select {
	case p := <-acked:
		require.NotEmpty(t, p.ID)
		require.Equal(t, "1000", p.Sender)
	case <-time.After(2 * time.Second):
		t.Fatal("ack never arrived")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(atB) == 1 && len(atA) == 1
	}, 2*time.Second, 10*time.Millisecond, "receiver and sender echo both see the message")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "hi", atB[0].Message)
	require.Equal(t, atB[0].ID, atA[0].ID)
}

func TestOnIsIdempotentPerHandlerID(t *testing.T) {
	relay := relaytest.NewRelay()
	defer relay.Close()

	a := dialUser(t, relay, "1000")
	b := dialUser(t, relay, "2000")

	var mu sync.Mutex
	count := 0
	handler := func(json.RawMessage) {
		mu.Lock()
		count++
		mu.Unlock()
	}
	b.On(model.EventMessage, "dup", handler)
	b.On(model.EventMessage, "dup", handler) // re-register, must not double-deliver

	require.NoError(t, a.Emit(model.EventMessage, model.MessagePayload{Receiver: "2000", Message: "once"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestOffStopsDelivery(t *testing.T) {
	relay := relaytest.NewRelay()
	defer relay.Close()

	a := dialUser(t, relay, "1000")
	b := dialUser(t, relay, "2000")

	got := make(chan struct{}, 4)
	b.On(model.EventMessage, "x", func(json.RawMessage) { got <- struct{}{} })
	b.Off(model.EventMessage, "x")

	require.NoError(t, a.Emit(model.EventMessage, model.MessagePayload{Receiver: "2000", Message: "hi"}))
	select {
	case <-got:
		t.Fatal("handler fired after Off")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEmitFailsFastWhileNotConnected(t *testing.T) {
	relay := relaytest.NewRelay()
	a := dialUser(t, relay, "1000")

	relay.Close() // relay gone for good: reconnect budget will run out

	require.Eventually(t, func() bool {
		return a.State() != transport.StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	err := a.Emit(model.EventMessage, model.MessagePayload{Receiver: "2000", Message: "hi"})
	require.ErrorIs(t, err, transport.ErrNotConnected)

	require.Eventually(t, func() bool {
		return a.State() == transport.StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReconnectRejoinsRooms(t *testing.T) {
	relay := relaytest.NewRelay()
	defer relay.Close()

	a := dialUser(t, relay, "1000")
	require.NoError(t, a.Join("2000"))

	require.Eventually(t, func() bool {
		return len(relay.Rooms("1000")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	states := make(chan transport.State, 16)
	a.OnStateChange(func(st transport.State) { states <- st })

	relay.Disconnect("1000")

	// The relay forgets membership on disconnect; the session must
	// re-establish it, not assume the server remembers.
	require.Eventually(t, func() bool {
		rooms := relay.Rooms("1000")
		return len(rooms) == 1 && rooms[0] == "2000"
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, transport.StateConnected, a.State())

	seen := map[transport.State]bool{}
	for len(states) > 0 {
		seen[<-states] = true
	}
	require.True(t, seen[transport.StateReconnecting], "reconnect must be observable")
	require.True(t, seen[transport.StateConnected])
}

func TestCloseIsTerminal(t *testing.T) {
	relay := relaytest.NewRelay()
	defer relay.Close()

	a := dialUser(t, relay, "1000")
	require.NoError(t, a.Close())
	require.Equal(t, transport.StateDisconnected, a.State())

	err := a.Emit(model.EventMessage, model.MessagePayload{Receiver: "2000", Message: "hi"})
	require.ErrorIs(t, err, transport.ErrClosed)

	// Close twice is fine.
	require.NoError(t, a.Close())
}
