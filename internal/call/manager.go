// Package call drives 1:1 WebRTC calls: a signaling state machine over the
// realtime layer plus the pion peer connection and local media of the one
// active call. Coupling to the rest of the hub is via the Signaler, Peer,
// MediaSource and History interfaces only.
package call

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/chathub/internal/metrics"
	"github.com/petervdpas/chathub/internal/proto"
	"github.com/petervdpas/chathub/internal/util"
)

var log = logging.Logger("chathub/call")

type Option func(*Manager)

func WithClock(c clock.Clock) Option         { return func(m *Manager) { m.clk = c } }
func WithMediaSource(s MediaSource) Option   { return func(m *Manager) { m.media = s } }
func WithPeerFactory(f PeerFactory) Option   { return func(m *Manager) { m.peers = f } }
func WithHistory(h History) Option           { return func(m *Manager) { m.history = h } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// Manager owns the active call. Every state change (local API calls, inbound
// signals, pion callbacks) runs on one loop goroutine in arrival order;
// observers are called in order on a separate notifier goroutine so they may
// call back into the manager.
type Manager struct {
	sig     Signaler
	selfID  string
	clk     clock.Clock
	media   MediaSource
	peers   PeerFactory
	history History
	metrics *metrics.Metrics

	loop  *serialQueue
	notes *serialQueue

	// Loop-owned.
	active *session
	recent *util.RingBuffer[string]
	closed bool

	mu       sync.Mutex
	current  *Session
	incoming []func(Session)
	states   []func(Session)
	cancel   func()

	closeOnce sync.Once
}

// New creates a call manager for selfID. Call Start to begin receiving
// signals.
func New(sig Signaler, selfID string, opts ...Option) *Manager {
	m := &Manager{
		sig:    sig,
		selfID: selfID,
		clk:    clock.New(),
		recent: util.NewRingBuffer[string](64),
		loop:   newSerialQueue(),
		notes:  newSerialQueue(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.media == nil {
		m.media = ReceiveOnly{}
	}
	if m.history == nil {
		m.history = NewMemoryHistory(100)
	}
	if m.peers == nil {
		f, err := NewPionFactory(nil)
		if err != nil {
			log.Errorf("call: default peer factory: %v", err)
		} else {
			m.peers = f
		}
	}
	return m
}

// Start subscribes to call signals.
func (m *Manager) Start(ctx context.Context) error {
	cancel, err := m.sig.Listen(ctx, func(sig proto.CallSignal) {
		m.loop.push(func() { m.handleSignal(sig) })
	})
	if err != nil {
		return fmt.Errorf("call: listen: %w", err)
	}
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	return nil
}

// OnIncoming registers fn for every incoming call that starts ringing.
func (m *Manager) OnIncoming(fn func(Session)) {
	m.mu.Lock()
	m.incoming = append(m.incoming, fn)
	m.mu.Unlock()
}

// OnState registers fn for every state change of the active call.
func (m *Manager) OnState(fn func(Session)) {
	m.mu.Lock()
	m.states = append(m.states, fn)
	m.mu.Unlock()
}

// Active returns the non-terminal call, if any.
func (m *Manager) Active() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// Get returns the active call or a finished one from history.
func (m *Manager) Get(ctx context.Context, callID string) (Session, bool) {
	if s, ok := m.Active(); ok && s.ID == callID {
		return s, true
	}
	recs, err := m.history.List(ctx)
	if err != nil {
		log.Warnf("call: history: %v", err)
		return Session{}, false
	}
	for _, r := range recs {
		if r.Session.ID == callID {
			return r.Session, true
		}
	}
	return Session{}, false
}

// History lists finished calls.
func (m *Manager) History(ctx context.Context) ([]Record, error) {
	return m.history.List(ctx)
}

// Rate stores a 1..5 quality rating for a finished call.
func (m *Manager) Rate(ctx context.Context, callID string, rating int) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	return m.history.Rate(ctx, callID, rating)
}

// Initiate starts an outgoing call to receiverID. Only one call may be
// active; a second Initiate fails with ErrCallActive and sends nothing.
func (m *Manager) Initiate(ctx context.Context, receiverID string, typ Type, participants ...string) (Session, error) {
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" || receiverID == m.selfID {
		return Session{}, fmt.Errorf("call: invalid receiver %q", receiverID)
	}
	if !typ.Valid() {
		return Session{}, fmt.Errorf("call: invalid type %q", typ)
	}
	return submit(m, ctx, func() (Session, error) {
		if m.active != nil {
			return Session{}, ErrCallActive
		}
		s := newSession(Session{
			ID:           uuid.NewString(),
			Type:         typ,
			InitiatorID:  m.selfID,
			ReceiverID:   receiverID,
			Participants: participants,
			State:        Idle,
			Outgoing:     true,
			CreatedAt:    m.clk.Now(),
		})
		m.active = s
		if err := m.apply(s, TrigInitiate); err != nil {
			m.active = nil
			return Session{}, err
		}

		media, err := m.media.Acquire(ctx, typ)
		if err != nil {
			m.terminate(ctx, s, TrigFail, ReasonMedia)
			return s.snapshot(), fmt.Errorf("%w: %v", ErrMedia, err)
		}
		s.media = media
		if err := ctx.Err(); err != nil {
			// Nothing was sent yet; the caller gave up while media was acquired.
			m.terminate(ctx, s, TrigFail, ReasonCancelled)
			return s.snapshot(), err
		}

		if !m.send(ctx, s, proto.CallInitiated, &proto.SignalData{InitiatorID: m.selfID, ReceiverID: receiverID}) {
			m.terminate(ctx, s, TrigFail, ReasonSignaling)
			return s.snapshot(), ErrSignaling
		}
		log.Infof("call [%s]: %s call to %s", s.info.ID, typ, receiverID)
		return s.snapshot(), nil
	})
}

// Accept answers the ringing call callID: local media is acquired, the peer
// connection created and call_accepted sent; the initiator's offer follows.
func (m *Manager) Accept(ctx context.Context, callID string) (Session, error) {
	return submit(m, ctx, func() (Session, error) {
		s, err := m.lookup(callID)
		if err != nil {
			return Session{}, err
		}
		if s == nil {
			return Session{}, fmt.Errorf("%w: call %s already finished", ErrIllegalTransition, callID)
		}
		if err := m.apply(s, TrigAccept); err != nil {
			return s.snapshot(), err
		}

		media, err := m.media.Acquire(ctx, s.info.Type)
		if err != nil {
			m.fail(ctx, s, ReasonMedia, err)
			return s.snapshot(), fmt.Errorf("%w: %v", ErrMedia, err)
		}
		s.media = media
		if err := ctx.Err(); err != nil {
			m.fail(context.WithoutCancel(ctx), s, ReasonCancelled, err)
			return s.snapshot(), err
		}
		if err := m.ensurePeer(s); err != nil {
			m.fail(ctx, s, ReasonSignaling, err)
			return s.snapshot(), fmt.Errorf("%w: %v", ErrSignaling, err)
		}
		if !m.send(ctx, s, proto.CallAccepted, nil) {
			m.fail(ctx, s, ReasonSignaling, fmt.Errorf("call_accepted not sent"))
			return s.snapshot(), ErrSignaling
		}
		return s.snapshot(), nil
	})
}

// Decline rejects the ringing call callID. Declining a call that already
// finished is a no-op.
func (m *Manager) Decline(ctx context.Context, callID string) error {
	_, err := submit(m, ctx, func() (Session, error) {
		s, err := m.lookup(callID)
		if err != nil || s == nil {
			return Session{}, err
		}
		if err := m.terminate(ctx, s, TrigDecline, ReasonDeclined); err != nil {
			return Session{}, err
		}
		m.send(ctx, s, proto.CallDeclined, nil)
		return s.snapshot(), nil
	})
	return err
}

// End hangs up callID in any non-terminal state. A ringing call is
// declined; ending a finished call is a no-op.
func (m *Manager) End(ctx context.Context, callID string) error {
	_, err := submit(m, ctx, func() (Session, error) {
		s, err := m.lookup(callID)
		if err != nil || s == nil {
			return Session{}, err
		}
		switch s.info.State {
		case Ringing:
			if err := m.terminate(ctx, s, TrigDecline, ReasonDeclined); err != nil {
				return Session{}, err
			}
			m.send(ctx, s, proto.CallDeclined, nil)
			return s.snapshot(), nil
		case Calling:
			err = m.terminate(ctx, s, TrigEnd, ReasonCancelled)
		default:
			err = m.terminate(ctx, s, TrigEnd, ReasonHangup)
		}
		if err != nil {
			return Session{}, err
		}
		m.send(ctx, s, proto.CallEnded, nil)
		return s.snapshot(), nil
	})
	return err
}

// ToggleAudio flips the local audio mute of callID and returns the new
// muted state.
func (m *Manager) ToggleAudio(ctx context.Context, callID string) (bool, error) {
	s, err := submit(m, ctx, func() (Session, error) {
		s, err := m.lookup(callID)
		if err != nil || s == nil {
			return Session{}, ErrNoSession
		}
		s.info.AudioMuted = !s.info.AudioMuted
		m.publish(s)
		return s.snapshot(), nil
	})
	return s.AudioMuted, err
}

// ToggleVideo flips the local video of callID and returns whether it is now
// enabled.
func (m *Manager) ToggleVideo(ctx context.Context, callID string) (bool, error) {
	s, err := submit(m, ctx, func() (Session, error) {
		s, err := m.lookup(callID)
		if err != nil || s == nil {
			return Session{}, ErrNoSession
		}
		s.info.VideoEnabled = !s.info.VideoEnabled
		m.publish(s)
		return s.snapshot(), nil
	})
	return s.VideoEnabled, err
}

// Close terminates the active call (media released, peer closed, remote
// told) and stops the manager. Idempotent.
func (m *Manager) Close(ctx context.Context) {
	m.closeOnce.Do(func() {
		m.loop.push(func() {
			if s := m.active; s != nil {
				if err := m.terminate(ctx, s, TrigShutdown, ReasonShutdown); err == nil {
					ev := proto.CallEnded
					if s.info.State == Declined {
						ev = proto.CallDeclined
					}
					m.send(ctx, s, ev, nil)
				}
			}
			m.closed = true
		})
		m.loop.close()
		m.loop.wait()

		m.mu.Lock()
		cancel := m.cancel
		m.cancel = nil
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		m.notes.close()
		m.notes.wait()
	})
}

type result struct {
	s   Session
	err error
}

// submit runs fn on the loop and waits for its result. The wait does not
// end early on ctx: fn owns the session it touches and must leave it in a
// consistent state itself. fn is skipped when ctx is done before it starts.
func submit(m *Manager, ctx context.Context, fn func() (Session, error)) (Session, error) {
	done := make(chan result, 1)
	ok := m.loop.push(func() {
		if m.closed {
			done <- result{err: ErrClosed}
			return
		}
		if err := ctx.Err(); err != nil {
			done <- result{err: err}
			return
		}
		s, err := fn()
		done <- result{s, err}
	})
	if !ok {
		return Session{}, ErrClosed
	}
	r := <-done
	return r.s, r.err
}

// lookup finds callID among the active call. A nil session with a nil error
// means the call already finished.
func (m *Manager) lookup(callID string) (*session, error) {
	if s := m.active; s != nil && s.info.ID == callID {
		return s, nil
	}
	if _, done := m.recent.Find(func(id string) bool { return id == callID }); done {
		return nil, nil
	}
	return nil, ErrNoSession
}

// apply performs a non-terminal transition.
func (m *Manager) apply(s *session, t Trigger) error {
	to, err := next(s.info.State, t)
	if err != nil {
		return err
	}
	from := s.info.State
	if to == from {
		return nil
	}
	s.info.State = to
	if to == Connected {
		s.info.ConnectedAt = m.clk.Now()
	}
	log.Infof("call [%s]: %s -> %s (%s)", s.info.ID, from, to, t)
	m.publish(s)
	return nil
}

// terminate moves s to a terminal state, releases its media and peer,
// records it in history and clears the active slot. Terminal sessions are
// left alone.
func (m *Manager) terminate(ctx context.Context, s *session, t Trigger, reason string) error {
	if s.info.State.Terminal() {
		return nil
	}
	to, err := next(s.info.State, t)
	if err != nil {
		return err
	}
	from := s.info.State
	s.info.State = to
	s.info.EndedAt = m.clk.Now()
	s.info.EndReason = reason
	s.release()

	snap := s.snapshot()
	if m.active == s {
		m.active = nil
	}
	m.recent.Push(snap.ID)
	m.record(ctx, snap)
	log.Infof("call [%s]: %s -> %s (%s, %s)", snap.ID, from, to, t, reason)
	m.publish(s)
	return nil
}

func (m *Manager) record(ctx context.Context, snap Session) {
	rec := Record{Session: snap, Duration: snap.Duration(), EndReason: snap.EndReason}
	if err := m.history.Add(context.WithoutCancel(ctx), rec); err != nil {
		log.Warnf("call [%s]: history: %v", snap.ID, err)
	}
	m.metrics.CallFinished(string(snap.State), rec.Duration)
}

// fail tells the remote side and moves s to failed.
func (m *Manager) fail(ctx context.Context, s *session, reason string, cause error) {
	log.Warnf("call [%s]: failed in %s: %v", s.info.ID, s.info.State, cause)
	if err := m.terminate(ctx, s, TrigFail, reason); err != nil {
		log.Errorf("call [%s]: %v", s.info.ID, err)
		return
	}
	m.send(ctx, s, proto.CallEnded, nil)
}

// publish refreshes the snapshot readers see and queues observers.
func (m *Manager) publish(s *session) {
	snap := s.snapshot()
	m.mu.Lock()
	if snap.State.Terminal() {
		if m.current != nil && m.current.ID == snap.ID {
			m.current = nil
		}
	} else {
		m.current = &snap
	}
	m.mu.Unlock()

	m.notes.push(func() {
		m.mu.Lock()
		fns := append([]func(Session){}, m.states...)
		m.mu.Unlock()
		for _, fn := range fns {
			fn(snap)
		}
	})
}

func (m *Manager) send(ctx context.Context, s *session, ev proto.CallEvent, data *proto.SignalData) bool {
	snap := s.snapshot()
	ok := m.sig.Send(ctx, proto.CallSignal{
		Event:       ev,
		SenderID:    m.selfID,
		RecipientID: snap.Remote(m.selfID),
		CallSession: snap.payload(),
		Data:        data,
	})
	if !ok {
		log.Warnf("call [%s]: %s not sent", snap.ID, ev)
	}
	return ok
}

// ensurePeer creates the peer connection for s and attaches local media.
func (m *Manager) ensurePeer(s *session) error {
	if s.peer != nil {
		return nil
	}
	if m.peers == nil {
		return fmt.Errorf("no peer factory")
	}
	p, err := m.peers.NewPeer(s.info.ID)
	if err != nil {
		return err
	}
	id := s.info.ID
	p.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.loop.push(func() { m.onLocalCandidate(id, c) })
	})
	p.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		m.loop.push(func() { m.onPeerState(id, st) })
	})
	s.peer = p
	if err := p.AddLocalMedia(s.media); err != nil {
		return fmt.Errorf("add local media: %w", err)
	}
	return nil
}

func (m *Manager) onLocalCandidate(callID string, c webrtc.ICECandidateInit) {
	s := m.active
	if m.closed || s == nil || s.info.ID != callID {
		return
	}
	m.send(context.Background(), s, proto.ICECandidate, &proto.SignalData{Candidate: toProtoCandidate(c)})
}

func (m *Manager) onPeerState(callID string, st webrtc.PeerConnectionState) {
	s := m.active
	if m.closed || s == nil || s.info.ID != callID {
		return
	}
	switch st {
	case webrtc.PeerConnectionStateFailed:
		m.fail(context.Background(), s, ReasonICE, fmt.Errorf("peer connection failed"))
	case webrtc.PeerConnectionStateDisconnected:
		log.Warnf("call [%s]: peer disconnected, waiting for ICE to recover", callID)
	default:
		log.Debugf("call [%s]: peer %s", callID, st)
	}
}

func (m *Manager) notifyIncoming(snap Session) {
	m.notes.push(func() {
		m.mu.Lock()
		fns := append([]func(Session){}, m.incoming...)
		m.mu.Unlock()
		for _, fn := range fns {
			fn(snap)
		}
	})
}
