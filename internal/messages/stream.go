// Package messages keeps a bounded, per-conversation message list with
// optimistic sends: a locally sent message is shown as pending until the
// authoritative copy carrying the same client ref replaces it.
package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/chathub/internal/proto"
	"github.com/petervdpas/chathub/internal/realtime"
	"github.com/petervdpas/chathub/internal/util"
)

var log = logging.Logger("chathub/messages")

const (
	DefaultBufferSize = 200
	PendingPrefix     = "pending-"
)

var (
	ErrNotWatched = errors.New("messages: conversation not watched")
	ErrEmptyBody  = errors.New("messages: empty body")
	ErrClosed     = errors.New("messages: stream closed")
)

type Message struct {
	ID             string    `json:"id"`
	ClientRef      string    `json:"client_ref,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	Pending        bool      `json:"pending"`
}

type Option func(*Stream)

func WithClock(c clock.Clock) Option { return func(s *Stream) { s.clk = c } }

func WithBufferSize(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.bufSize = n
		}
	}
}

type watch struct {
	subs     []*realtime.Subscription
	watchers int
}

type Stream struct {
	reg     *realtime.Registry
	clk     clock.Clock
	selfID  string
	bufSize int

	mu        sync.Mutex
	watches   map[string]*watch
	buffers   map[string]*util.RingBuffer[Message]
	observers []func(Message)
	closed    bool
}

func New(reg *realtime.Registry, selfID string, opts ...Option) *Stream {
	s := &Stream{
		reg:     reg,
		clk:     clock.New(),
		selfID:  selfID,
		bufSize: DefaultBufferSize,
		watches: make(map[string]*watch),
		buffers: make(map[string]*util.RingBuffer[Message]),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Watch follows messages and acks of conversationID until the returned func
// is called. Buffered messages are kept after the last unwatch.
func (s *Stream) Watch(ctx context.Context, conversationID string) (func(), error) {
	if conversationID == "" {
		return nil, fmt.Errorf("messages: empty conversation id")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if w, ok := s.watches[conversationID]; ok {
		w.watchers++
		s.mu.Unlock()
		return s.unwatchOnce(conversationID), nil
	}
	s.mu.Unlock()

	ch := proto.MessagesChannel(conversationID)
	listener := func(evt realtime.Event) error { return s.handle(conversationID, evt) }
	var subs []*realtime.Subscription
	for _, kind := range []string{proto.KindMessage, proto.KindMessageAck} {
		sub, err := s.reg.Subscribe(ctx, ch, kind, listener)
		if err != nil {
			for _, prev := range subs {
				prev.Unsubscribe()
			}
			return nil, fmt.Errorf("messages: watch %s: %w", conversationID, err)
		}
		subs = append(subs, sub)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.watches[conversationID]; ok || s.closed {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		if s.closed {
			return nil, ErrClosed
		}
		w.watchers++
		return s.unwatchOnce(conversationID), nil
	}
	s.watches[conversationID] = &watch{subs: subs, watchers: 1}
	s.bufferLocked(conversationID)
	return s.unwatchOnce(conversationID), nil
}

func (s *Stream) unwatchOnce(conversationID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			w, ok := s.watches[conversationID]
			if !ok {
				s.mu.Unlock()
				return
			}
			w.watchers--
			if w.watchers > 0 {
				s.mu.Unlock()
				return
			}
			delete(s.watches, conversationID)
			s.mu.Unlock()
			for _, sub := range w.subs {
				sub.Unsubscribe()
			}
		})
	}
}

func (s *Stream) bufferLocked(conversationID string) *util.RingBuffer[Message] {
	buf, ok := s.buffers[conversationID]
	if !ok {
		buf = util.NewRingBuffer[Message](s.bufSize)
		s.buffers[conversationID] = buf
	}
	return buf
}

// Send appends a pending message and broadcasts it. A failed broadcast
// leaves the message pending; it is not an error.
func (s *Stream) Send(ctx context.Context, conversationID, body string) (Message, error) {
	if strings.TrimSpace(body) == "" {
		return Message{}, ErrEmptyBody
	}
	s.mu.Lock()
	if _, ok := s.watches[conversationID]; !ok {
		s.mu.Unlock()
		return Message{}, ErrNotWatched
	}
	ref := uuid.NewString()
	msg := Message{
		ID:             PendingPrefix + ref,
		ClientRef:      ref,
		ConversationID: conversationID,
		SenderID:       s.selfID,
		Body:           body,
		CreatedAt:      s.clk.Now(),
		Pending:        true,
	}
	s.bufferLocked(conversationID).Push(msg)
	s.mu.Unlock()

	ok := s.reg.Broadcast(ctx, proto.MessagesChannel(conversationID), proto.KindMessage, proto.MessagePayload{
		ID:             msg.ID,
		ClientRef:      msg.ClientRef,
		ConversationID: conversationID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		CreatedAt:      proto.FormatTime(msg.CreatedAt),
	})
	if !ok {
		log.Warnf("messages [%s]: %s not delivered, left pending", conversationID, msg.ID)
	}
	return msg, nil
}

// Messages returns the buffered messages of conversationID, oldest first.
func (s *Stream) Messages(conversationID string) []Message {
	s.mu.Lock()
	buf, ok := s.buffers[conversationID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return buf.Snapshot()
}

// Pending returns the messages still waiting for their authoritative copy.
func (s *Stream) Pending(conversationID string) []Message {
	var out []Message
	for _, m := range s.Messages(conversationID) {
		if m.Pending {
			out = append(out, m)
		}
	}
	return out
}

// OnMessage registers fn for every inserted or confirmed message.
func (s *Stream) OnMessage(fn func(Message)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Close unwatches everything and drops the buffers. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	watches := s.watches
	s.watches = make(map[string]*watch)
	s.buffers = make(map[string]*util.RingBuffer[Message])
	s.mu.Unlock()

	for _, w := range watches {
		for _, sub := range w.subs {
			sub.Unsubscribe()
		}
	}
}

func (s *Stream) handle(conversationID string, evt realtime.Event) error {
	var p proto.MessagePayload
	if err := realtime.Decode(evt, &p); err != nil {
		return err
	}
	if p.ID == "" {
		return fmt.Errorf("messages: %s without id", evt.Kind)
	}
	if p.ConversationID != "" && p.ConversationID != conversationID {
		return fmt.Errorf("messages: payload for %s on channel of %s", p.ConversationID, conversationID)
	}
	msg := Message{
		ID:             p.ID,
		ClientRef:      p.ClientRef,
		ConversationID: conversationID,
		SenderID:       p.SenderID,
		Body:           p.Body,
		CreatedAt:      proto.ParseTime(p.CreatedAt),
		Pending:        strings.HasPrefix(p.ID, PendingPrefix),
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clk.Now()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	buf := s.bufferLocked(conversationID)
	if _, dup := buf.Find(func(m Message) bool { return m.ID == msg.ID }); dup {
		s.mu.Unlock()
		return nil
	}
	if msg.Pending && msg.ClientRef != "" {
		// The confirmed copy overtook the optimistic one.
		if _, seen := buf.Find(func(m Message) bool { return m.ClientRef == msg.ClientRef }); seen {
			s.mu.Unlock()
			return nil
		}
	}
	replaced := false
	if msg.ClientRef != "" && !msg.Pending {
		replaced = buf.Replace(func(m Message) bool {
			return m.Pending && m.ClientRef == msg.ClientRef
		}, msg)
	}
	if !replaced {
		if evt.Kind == proto.KindMessageAck && msg.Body == "" {
			s.mu.Unlock()
			return nil
		}
		buf.Push(msg)
	}
	observers := append([]func(Message){}, s.observers...)
	s.mu.Unlock()

	if replaced {
		log.Debugf("messages [%s]: %s confirmed as %s", conversationID, msg.ClientRef, msg.ID)
	}
	for _, fn := range observers {
		fn(msg)
	}
	return nil
}
