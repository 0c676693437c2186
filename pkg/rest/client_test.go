package rest_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/batua-realtime/pkg/model"
	"github.com/mahaj/batua-realtime/pkg/relaytest"
	"github.com/mahaj/batua-realtime/pkg/rest"
)

func TestClientAgainstFixture(t *testing.T) {
	srv := relaytest.NewRESTServer(nil)
	defer srv.Close()
	srv.AddUser("1000", "Asha")
	srv.AddUser("2000", "Bela")

	ctx := context.Background()
	c := rest.NewClient(srv.URL())

	token, err := c.Login(ctx, "1000")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, token, c.Token)

	u, err := c.LookupUser(ctx, "2000")
	require.NoError(t, err)
	require.Equal(t, "Bela", u.DisplayName)

	_, err = c.LookupUser(ctx, "9999")
	require.ErrorIs(t, err, rest.ErrNotFound)

	req, err := c.CreateFriendRequest(ctx, "2000")
	require.NoError(t, err)
	require.Equal(t, model.RequestPending, req.Status)
	require.Equal(t, "1000", req.From)

	reqs, err := c.FriendRequests(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	// Respond as the recipient.
	b := rest.NewClient(srv.URL())
	_, err = b.Login(ctx, "2000")
	require.NoError(t, err)
	require.NoError(t, b.RespondFriendRequest(ctx, req.ID, "accept"))
	// Terminal states are immutable; a second response is a no-op.
	require.NoError(t, b.RespondFriendRequest(ctx, req.ID, "accept"))

	friends, err := c.Friends(ctx)
	require.NoError(t, err)
	require.Len(t, friends, 1)
	require.Equal(t, "2000", friends[0].Phone)

	require.NoError(t, c.DeleteFriend(ctx, "2000"))
	friends, err = c.Friends(ctx)
	require.NoError(t, err)
	require.Empty(t, friends)
}

func TestHistorySeeded(t *testing.T) {
	srv := relaytest.NewRESTServer(nil)
	defer srv.Close()

	base := time.Now().UTC().Truncate(time.Millisecond)
	srv.SeedHistory(
		model.ChatMessage{ID: "2", Sender: "2000", Receiver: "1000", Body: "second", SentAt: base.Add(time.Second)},
		model.ChatMessage{ID: "1", Sender: "1000", Receiver: "2000", Body: "first", SentAt: base},
	)

	c := rest.NewClient(srv.URL())
	_, err := c.Login(context.Background(), "1000")
	require.NoError(t, err)

	msgs, err := c.History(context.Background(), "2000")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "first", msgs[0].Body)
	require.Equal(t, "second", msgs[1].Body)
}
