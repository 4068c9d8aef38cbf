// Package typing tracks who is typing in each watched conversation.
package typing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/chathub/internal/proto"
	"github.com/petervdpas/chathub/internal/realtime"
)

var log = logging.Logger("chathub/typing")

// DefaultExpiry is how long a typist stays listed without a refresh.
const DefaultExpiry = 3 * time.Second

var ErrClosed = errors.New("typing: manager closed")

// ChangeFunc observes membership changes of one conversation.
type ChangeFunc func(conversationID string, users []string)

type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clk = c } }

func WithExpiry(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.expiry = d
		}
	}
}

type typist struct {
	deadline time.Time
	timer    *clock.Timer
	seq      uint64
}

type conversation struct {
	sub      *realtime.Subscription
	watchers int
	typists  map[string]*typist
}

type Manager struct {
	reg    *realtime.Registry
	clk    clock.Clock
	selfID string
	expiry time.Duration

	mu        sync.Mutex
	convs     map[string]*conversation
	observers []ChangeFunc
	seq       uint64
	closed    bool
}

func New(reg *realtime.Registry, selfID string, opts ...Option) *Manager {
	m := &Manager{
		reg:    reg,
		clk:    clock.New(),
		selfID: selfID,
		expiry: DefaultExpiry,
		convs:  make(map[string]*conversation),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Watch starts following typing events for conversationID. Watches are
// counted; the returned func releases one and the channel is left when the
// last one goes.
func (m *Manager) Watch(ctx context.Context, conversationID string) (func(), error) {
	if conversationID == "" {
		return nil, fmt.Errorf("typing: empty conversation id")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := m.convs[conversationID]; ok {
		c.watchers++
		m.mu.Unlock()
		return m.unwatchOnce(conversationID), nil
	}
	m.mu.Unlock()

	sub, err := m.reg.Subscribe(ctx, proto.TypingChannel(conversationID), proto.KindTyping, func(evt realtime.Event) error {
		return m.handle(conversationID, evt)
	})
	if err != nil {
		return nil, fmt.Errorf("typing: watch %s: %w", conversationID, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.Unsubscribe()
		return nil, ErrClosed
	}
	if c, ok := m.convs[conversationID]; ok {
		// Raced with another Watch for the same conversation.
		c.watchers++
		m.mu.Unlock()
		sub.Unsubscribe()
		return m.unwatchOnce(conversationID), nil
	}
	m.convs[conversationID] = &conversation{sub: sub, watchers: 1, typists: make(map[string]*typist)}
	m.mu.Unlock()
	log.Debugf("typing: watching %s", conversationID)
	return m.unwatchOnce(conversationID), nil
}

func (m *Manager) unwatchOnce(conversationID string) func() {
	var once sync.Once
	return func() { once.Do(func() { m.unwatch(conversationID) }) }
}

func (m *Manager) unwatch(conversationID string) {
	m.mu.Lock()
	c, ok := m.convs[conversationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	c.watchers--
	if c.watchers > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.convs, conversationID)
	for _, tp := range c.typists {
		tp.timer.Stop()
	}
	m.mu.Unlock()
	c.sub.Unsubscribe()
}

// SetTyping broadcasts the local user's typing state. It never opens a
// channel: false means the conversation is not watched or the send failed.
func (m *Manager) SetTyping(ctx context.Context, conversationID string, isTyping bool) bool {
	m.mu.Lock()
	_, ok := m.convs[conversationID]
	m.mu.Unlock()
	if !ok {
		log.Debugf("typing: %s not watched, typing state not sent", conversationID)
		return false
	}
	return m.reg.Broadcast(ctx, proto.TypingChannel(conversationID), proto.KindTyping, proto.TypingPayload{
		UserID:         m.selfID,
		IsTyping:       isTyping,
		ConversationID: conversationID,
	})
}

// TypingUsers lists who is typing in conversationID, sorted. The local user
// is never included and entries past their deadline are left out even if
// their timer has not fired yet.
func (m *Manager) TypingUsers(conversationID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typingLocked(conversationID)
}

func (m *Manager) typingLocked(conversationID string) []string {
	c, ok := m.convs[conversationID]
	if !ok {
		return nil
	}
	now := m.clk.Now()
	users := make([]string, 0, len(c.typists))
	for id, tp := range c.typists {
		if id == m.selfID || !now.Before(tp.deadline) {
			continue
		}
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// OnChange registers fn for membership changes in any watched conversation.
func (m *Manager) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Close stops every expiry timer and unwatches every conversation.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	convs := m.convs
	m.convs = make(map[string]*conversation)
	for _, c := range convs {
		for _, tp := range c.typists {
			tp.timer.Stop()
		}
	}
	m.mu.Unlock()

	for _, c := range convs {
		c.sub.Unsubscribe()
	}
}

func (m *Manager) handle(conversationID string, evt realtime.Event) error {
	var p proto.TypingPayload
	if err := realtime.Decode(evt, &p); err != nil {
		return err
	}
	if p.UserID == "" {
		return fmt.Errorf("typing: payload without user_id")
	}
	if p.ConversationID != "" && p.ConversationID != conversationID {
		return fmt.Errorf("typing: payload for %s on channel of %s", p.ConversationID, conversationID)
	}
	if p.UserID == m.selfID {
		return nil
	}

	m.mu.Lock()
	c, ok := m.convs[conversationID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	changed := false
	tp, exists := c.typists[p.UserID]
	if p.IsTyping {
		if exists {
			tp.timer.Stop()
		} else {
			tp = &typist{}
			c.typists[p.UserID] = tp
			changed = true
		}
		m.seq++
		seq, user := m.seq, p.UserID
		tp.seq = seq
		tp.deadline = m.clk.Now().Add(m.expiry)
		tp.timer = m.clk.AfterFunc(m.expiry, func() { m.expire(conversationID, user, seq) })
	} else if exists {
		tp.timer.Stop()
		delete(c.typists, p.UserID)
		changed = true
	}
	var users []string
	var observers []ChangeFunc
	if changed {
		users = m.typingLocked(conversationID)
		observers = append(observers, m.observers...)
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(conversationID, users)
	}
	return nil
}

// expire removes user when the timer identified by seq is still the current
// one for them.
func (m *Manager) expire(conversationID, user string, seq uint64) {
	m.mu.Lock()
	c, ok := m.convs[conversationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	tp, ok := c.typists[user]
	if !ok || tp.seq != seq {
		m.mu.Unlock()
		return
	}
	delete(c.typists, user)
	users := m.typingLocked(conversationID)
	observers := append([]ChangeFunc(nil), m.observers...)
	m.mu.Unlock()

	log.Debugf("typing: %s stopped typing in %s (expired)", user, conversationID)
	for _, fn := range observers {
		fn(conversationID, users)
	}
}
