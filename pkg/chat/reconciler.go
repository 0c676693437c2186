// Package chat merges locally-sent optimistic messages with server-echoed and
// peer-delivered ones into a single ordered, duplicate-free log per peer.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mahaj/batua-realtime/pkg/model"
	"github.com/mahaj/batua-realtime/pkg/notify"
	"github.com/mahaj/batua-realtime/pkg/transport"
)

const handlerID = "reconciler"

// ErrEmptyMessage rejects sends whose body is empty after trimming.
var ErrEmptyMessage = errors.New("chat: message body is empty")

// ErrUnknownMessage is returned by Resend for an id that is not a failed
// local entry.
var ErrUnknownMessage = errors.New("chat: no failed message with that id")

// SendError marks a message that could not be emitted. The optimistic entry
// stays in the log flagged Failed so the user can retry it.
type SendError struct {
	LocalID string
	Err     error
}

func (e *SendError) Error() string { return fmt.Sprintf("chat: send %s failed: %v", e.LocalID, e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// Session is the slice of the transport the reconciler needs.
type Session interface {
	EmitWithAck(event model.Event, payload any, ack transport.Handler) error
	On(event model.Event, id string, h transport.Handler)
	Off(event model.Event, id string)
	Join(friendPhone string) error
	Leave(friendPhone string)
}

// HistoryFetcher seeds a conversation from the persistence API.
type HistoryFetcher interface {
	History(ctx context.Context, peer string) ([]model.ChatMessage, error)
}

type Config struct {
	// DedupWindow bounds the sent-at skew when collapsing the relay's echo
	// of an own message against the optimistic copy. Wide enough for
	// client/server clock drift, narrow enough that identical texts sent
	// minutes apart stay distinct.
	DedupWindow time.Duration
}

func DefaultConfig() Config {
	return Config{DedupWindow: 5 * time.Second}
}

type conversation struct {
	peer string
	msgs []*model.ChatMessage
	open bool
}

type Reconciler struct {
	self     string
	session  Session
	history  HistoryFetcher
	notifier *notify.Dispatcher
	cfg      Config

	mu       sync.Mutex
	convs    map[string]*conversation
	onUpdate func(peer string)
}

func NewReconciler(self string, session Session, history HistoryFetcher, notifier *notify.Dispatcher, cfg Config) *Reconciler {
	return &Reconciler{
		self:     self,
		session:  session,
		history:  history,
		notifier: notifier,
		cfg:      cfg,
		convs:    make(map[string]*conversation),
	}
}

// Attach subscribes the reconciler to message delivery. One session-level
// handler routes to all conversations, so messages for closed ones still
// reach the notifier.
func (r *Reconciler) Attach() {
	r.session.On(model.EventMessage, handlerID, r.handleMessage)
}

// OnUpdate observes conversation changes (for re-render).
func (r *Reconciler) OnUpdate(fn func(peer string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUpdate = fn
}

// OpenConversation seeds the log from REST history, merges it with anything
// already delivered live and joins the conversation room.
func (r *Reconciler) OpenConversation(ctx context.Context, peer string) ([]model.ChatMessage, error) {
	hist, err := r.history.History(ctx, peer)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	conv := r.conv(peer)
	conv.open = true
	for i := range hist {
		m := hist[i]
		if r.findByID(conv, m.ID) != nil {
			continue // already delivered live
		}
		if m.Origin == "" {
			if m.Sender == r.self {
				m.Origin = model.OriginServerAck
			} else {
				m.Origin = model.OriginRemoteDelivered
			}
		}
		insertOrdered(conv, &m)
	}
	snapshot := snapshotLocked(conv)
	r.mu.Unlock()

	if err := r.session.Join(peer); err != nil {
		log.Printf("chat: join %s: %v", peer, err)
	}
	return snapshot, nil
}

// SendMessage appends an optimistic entry and emits the send. The entry is
// promoted in place once the relay acks with the server-assigned id; on emit
// failure it is flagged Failed and a *SendError is returned. The returned
// message is a snapshot: the stored entry keeps changing as acks and echoes
// arrive.
func (r *Reconciler) SendMessage(ctx context.Context, peer, body string) (*model.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyMessage
	}

	msg := &model.ChatMessage{
		ID:       "local-" + uuid.NewString(),
		Sender:   r.self,
		Receiver: peer,
		Body:     body,
		SentAt:   time.Now().UTC(),
		Origin:   model.OriginLocalOptimistic,
	}
	localID := msg.ID

	r.mu.Lock()
	conv := r.conv(peer)
	insertOrdered(conv, msg)
	r.mu.Unlock()
	r.notifyUpdate(peer)

	if err := r.emitSend(peer, localID, body); err != nil {
		r.mu.Lock()
		msg.Failed = true
		snapshot := *msg
		r.mu.Unlock()
		r.notifyUpdate(peer)
		return &snapshot, &SendError{LocalID: localID, Err: err}
	}

	r.mu.Lock()
	snapshot := *msg
	r.mu.Unlock()
	return &snapshot, nil
}

// Resend retries a Failed entry in place, so exactly one message survives
// regardless of how many attempts it took.
func (r *Reconciler) Resend(ctx context.Context, peer, localID string) error {
	r.mu.Lock()
	conv, ok := r.convs[peer]
	var msg *model.ChatMessage
	if ok {
		msg = r.findByID(conv, localID)
	}
	if msg == nil || !msg.Failed {
		r.mu.Unlock()
		return ErrUnknownMessage
	}
	// Clear the flag before emitting so the echo of this attempt is
	// recognized as our own even if it beats the ack.
	msg.Failed = false
	body := msg.Body
	r.mu.Unlock()
	r.notifyUpdate(peer)

	if err := r.emitSend(peer, localID, body); err != nil {
		r.mu.Lock()
		if m := r.findByID(conv, localID); m != nil {
			m.Failed = true
		}
		r.mu.Unlock()
		r.notifyUpdate(peer)
		return &SendError{LocalID: localID, Err: err}
	}
	return nil
}

func (r *Reconciler) emitSend(peer, localID, body string) error {
	return r.session.EmitWithAck(model.EventMessage,
		model.MessagePayload{Receiver: peer, Message: body},
		func(data json.RawMessage) {
			var p model.MessagePayload
			if err := json.Unmarshal(data, &p); err != nil {
				log.Printf("chat: bad ack for %s: %v", localID, err)
				return
			}
			r.promote(peer, localID, &p)
		})
}

// promote replaces the placeholder with the server-acknowledged identity.
func (r *Reconciler) promote(peer, localID string, p *model.MessagePayload) {
	r.mu.Lock()
	conv, ok := r.convs[peer]
	if !ok {
		r.mu.Unlock()
		return
	}
	msg := r.findByID(conv, localID)
	if msg == nil {
		r.mu.Unlock()
		return
	}
	if p.ID != "" {
		msg.ID = p.ID
	}
	if !p.SentAt.IsZero() {
		msg.SentAt = p.SentAt
	}
	msg.Origin = model.OriginServerAck
	msg.Failed = false
	resort(conv)
	r.mu.Unlock()
	r.notifyUpdate(peer)
}

func (r *Reconciler) handleMessage(data json.RawMessage) {
	var p model.MessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Printf("chat: bad message payload: %v", err)
		return
	}

	peer := p.Sender
	if p.Sender == r.self {
		peer = p.Receiver
	}
	inc := &model.ChatMessage{
		ID:       p.ID,
		Sender:   p.Sender,
		Receiver: p.Receiver,
		Body:     p.Message,
		SentAt:   p.SentAt,
		Origin:   model.OriginRemoteDelivered,
	}

	r.mu.Lock()
	conv := r.conv(peer)

	// Redelivery after a reconnect: the id is already present.
	if inc.ID != "" && r.findByID(conv, inc.ID) != nil {
		r.mu.Unlock()
		return
	}

	if p.Sender == r.self {
		// The relay echoes our own sends back on the message channel.
		// Collapse the echo against the optimistic copy instead of
		// appending a duplicate.
		if own := r.matchOwnEcho(conv, inc); own != nil {
			if own.Origin == model.OriginLocalOptimistic {
				// Ack never arrived; the echo carries the identity.
				if inc.ID != "" {
					own.ID = inc.ID
				}
				if !inc.SentAt.IsZero() {
					own.SentAt = inc.SentAt
				}
				own.Origin = model.OriginServerAck
				own.Failed = false
				resort(conv)
			}
			r.mu.Unlock()
			r.notifyUpdate(peer)
			return
		}
	}

	insertOrdered(conv, inc)
	notifyClosed := !conv.open && p.Sender != r.self
	r.mu.Unlock()
	r.notifyUpdate(peer)

	if notifyClosed && r.notifier != nil {
		r.notifier.Notify(notify.KindNewMessage, inc.ID,
			"New message from "+p.Sender, p.Message)
	}
}

// matchOwnEcho finds the locally-sent entry that an own-message echo refers
// to: same id, or same body with sent-at inside the dedup window.
func (r *Reconciler) matchOwnEcho(conv *conversation, inc *model.ChatMessage) *model.ChatMessage {
	for _, m := range conv.msgs {
		if m.Origin != model.OriginLocalOptimistic && m.Origin != model.OriginServerAck {
			continue
		}
		// A failed entry was never emitted; no echo can refer to it.
		if m.Failed {
			continue
		}
		if inc.ID != "" && m.ID == inc.ID {
			return m
		}
		// Already promoted under a different server id: a distinct message
		// that happens to share the body.
		if m.Origin == model.OriginServerAck && inc.ID != "" {
			continue
		}
		if m.Body == inc.Body && absDelta(m.SentAt, inc.SentAt) <= r.cfg.DedupWindow {
			return m
		}
	}
	return nil
}

// Messages returns an ordered snapshot of one conversation.
func (r *Reconciler) Messages(peer string) []model.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[peer]
	if !ok {
		return nil
	}
	return snapshotLocked(conv)
}

// CloseConversation stops treating the conversation as foreground: new
// remote messages for it raise notifications again. The session stays up.
func (r *Reconciler) CloseConversation(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.convs[peer]; ok {
		conv.open = false
	}
}

// RemoveConversation drops the log entirely (unfriend path).
func (r *Reconciler) RemoveConversation(peer string) {
	r.mu.Lock()
	delete(r.convs, peer)
	r.mu.Unlock()
	r.session.Leave(peer)
}

// Close detaches the reconciler from the session.
func (r *Reconciler) Close() {
	r.session.Off(model.EventMessage, handlerID)
}

func (r *Reconciler) conv(peer string) *conversation {
	conv, ok := r.convs[peer]
	if !ok {
		conv = &conversation{peer: peer}
		r.convs[peer] = conv
	}
	return conv
}

func (r *Reconciler) findByID(conv *conversation, id string) *model.ChatMessage {
	for _, m := range conv.msgs {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (r *Reconciler) notifyUpdate(peer string) {
	r.mu.Lock()
	fn := r.onUpdate
	r.mu.Unlock()
	if fn != nil {
		fn(peer)
	}
}

// insertOrdered places m so the log stays non-decreasing in SentAt, with
// equal timestamps keeping arrival order.
func insertOrdered(conv *conversation, m *model.ChatMessage) {
	i := sort.Search(len(conv.msgs), func(i int) bool {
		return conv.msgs[i].SentAt.After(m.SentAt)
	})
	conv.msgs = append(conv.msgs, nil)
	copy(conv.msgs[i+1:], conv.msgs[i:])
	conv.msgs[i] = m
}

// resort restores ordering after a promote rewrote a SentAt.
func resort(conv *conversation) {
	sort.SliceStable(conv.msgs, func(i, j int) bool {
		return conv.msgs[i].SentAt.Before(conv.msgs[j].SentAt)
	})
}

func snapshotLocked(conv *conversation) []model.ChatMessage {
	out := make([]model.ChatMessage, len(conv.msgs))
	for i, m := range conv.msgs {
		out[i] = *m
	}
	return out
}

func absDelta(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d
}
