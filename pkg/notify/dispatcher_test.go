package notify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotifyDeduplicatesPerDerivedID(t *testing.T) {
	var delivered []Notification
	d := NewDispatcher(func(n Notification) error {
		delivered = append(delivered, n)
		return nil
	})

	require.True(t, d.Notify(KindFriendRequest, "fr-1", "Friend request", "from A"))
	require.False(t, d.Notify(KindFriendRequest, "fr-1", "Friend request", "from A"))
	require.Len(t, delivered, 1)

	// Same key under a different kind is a different event.
	require.True(t, d.Notify(KindRequestAccepted, "fr-1", "Accepted", "by B"))
	require.Len(t, delivered, 2)
}

func TestNotifySinkFailureDoesNotPropagate(t *testing.T) {
	d := NewDispatcher(func(Notification) error {
		return errors.New("permission denied")
	})

	// The event is still marked seen: a failing platform surface must not
	// cause re-notification or roll anything back.
	require.True(t, d.Notify(KindNewMessage, "m-1", "New message", "hi"))
	require.False(t, d.Notify(KindNewMessage, "m-1", "New message", "hi"))
}

func TestNotifyNilSink(t *testing.T) {
	d := NewDispatcher(nil)
	require.True(t, d.Notify(KindNewMessage, "m-1", "New message", "hi"))
	require.False(t, d.Notify(KindNewMessage, "m-1", "New message", "hi"))
}
