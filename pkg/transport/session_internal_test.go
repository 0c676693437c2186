package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/batua-realtime/pkg/auth"
	"github.com/mahaj/batua-realtime/pkg/model"
	"github.com/mahaj/batua-realtime/pkg/relaytest"
)

func (s *Session) pendingAcks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acks)
}

func TestDisconnectReleasesPendingAcks(t *testing.T) {
	relay := relaytest.NewRelay()
	defer relay.Close()

	token, err := auth.GenerateToken("1000")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.BackoffBase = 20 * time.Millisecond
	cfg.BackoffCap = 100 * time.Millisecond
	s, err := Dial(context.Background(), relay.URL(), token, cfg)
	require.NoError(t, err)
	defer s.Close()

	// The relay forwards typing events without acknowledging them, so the
	// callback stays registered until something releases it.
	err = s.EmitWithAck(model.EventTyping, model.TypingPayload{Receiver: "2000"}, func(json.RawMessage) {})
	require.NoError(t, err)
	require.Equal(t, 1, s.pendingAcks())

	relay.Disconnect("1000")

	// The ack can never arrive on the next connection; the entry must not
	// survive the reconnect.
	require.Eventually(t, func() bool {
		return s.pendingAcks() == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, 5*time.Second, 10*time.Millisecond)
}
