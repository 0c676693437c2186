// Package rest is the client for the persistence API that backs the realtime
// layer: message history, friend list and the friend-request ledger. The REST
// side is always the source of truth; relay events are freshness signals.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mahaj/batua-realtime/pkg/model"
)

// ErrNotFound is returned for lookups of users or requests that do not exist.
var ErrNotFound = errors.New("rest: not found")

type Client struct {
	BaseURL string
	Token   string

	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login exchanges a phone number for a session token and stores it on the
// client for subsequent calls.
func (c *Client) Login(ctx context.Context, phone string) (string, error) {
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/login", map[string]string{"phone": phone}, &resp); err != nil {
		return "", err
	}
	c.Token = resp.Token
	return resp.Token, nil
}

// History returns the persisted messages of one conversation, oldest first.
func (c *Client) History(ctx context.Context, peer string) ([]model.ChatMessage, error) {
	var msgs []model.ChatMessage
	err := c.do(ctx, http.MethodGet, "/history?peer="+url.QueryEscape(peer), nil, &msgs)
	return msgs, err
}

func (c *Client) Friends(ctx context.Context) ([]model.Friend, error) {
	var friends []model.Friend
	err := c.do(ctx, http.MethodGet, "/friends", nil, &friends)
	return friends, err
}

func (c *Client) FriendRequests(ctx context.Context) ([]model.FriendRequest, error) {
	var reqs []model.FriendRequest
	err := c.do(ctx, http.MethodGet, "/friend-requests", nil, &reqs)
	return reqs, err
}

// LookupUser resolves a phone number to a friend profile, or ErrNotFound.
func (c *Client) LookupUser(ctx context.Context, phone string) (*model.Friend, error) {
	var f model.Friend
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(phone), nil, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateFriendRequest opens a pending request towards target. The server
// relays a friend_request event to the target's session.
func (c *Client) CreateFriendRequest(ctx context.Context, target string) (*model.FriendRequest, error) {
	var req model.FriendRequest
	if err := c.do(ctx, http.MethodPost, "/friend-requests", map[string]string{"target": target}, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// RespondFriendRequest moves a request to its terminal state.
func (c *Client) RespondFriendRequest(ctx context.Context, id, action string) error {
	return c.do(ctx, http.MethodPatch, "/friend-requests/"+url.PathEscape(id), map[string]string{"action": action}, nil)
}

func (c *Client) DeleteFriend(ctx context.Context, phone string) error {
	return c.do(ctx, http.MethodDelete, "/friends/"+url.PathEscape(phone), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("rest: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("rest: %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
