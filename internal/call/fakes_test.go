package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/chathub/internal/proto"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// flush waits until everything queued on the manager loop so far has run.
func flush(t *testing.T, m *Manager) {
	t.Helper()
	if _, err := submit(m, context.Background(), func() (Session, error) { return Session{}, nil }); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

// ── media ────────────────────────────────────────────────────────────────────

type fakeMedia struct {
	mu    sync.Mutex
	stops int
}

func (f *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (f *fakeMedia) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeMedia) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeMediaSource struct {
	mu      sync.Mutex
	err     error
	handed  []*fakeMedia
	acquire int
	delay   time.Duration // ignores ctx, like a slow device prompt
}

func (s *fakeMediaSource) Acquire(context.Context, Type) (LocalMedia, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquire++
	if s.err != nil {
		return nil, s.err
	}
	m := &fakeMedia{}
	s.handed = append(s.handed, m)
	return m, nil
}

func (s *fakeMediaSource) last() *fakeMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handed) == 0 {
		return nil
	}
	return s.handed[len(s.handed)-1]
}

// ── peer ─────────────────────────────────────────────────────────────────────

type fakePeer struct {
	mu          sync.Mutex
	callID      string
	remote      *webrtc.SessionDescription
	candidates  []string
	earlyICE    bool
	closes      int
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	failOffer   bool
}

func (p *fakePeer) AddLocalMedia(LocalMedia) error { return nil }

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOffer {
		return webrtc.SessionDescription{}, errors.New("no codecs")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer " + p.callID}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer " + p.callID}, nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = &d
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.earlyICE = true
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) emitCandidate(c string) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	fn(webrtc.ICECandidateInit{Candidate: c})
}

func (p *fakePeer) emitState(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(st)
}

func (p *fakePeer) snapshot() (remote *webrtc.SessionDescription, cands []string, early bool, closes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote, append([]string(nil), p.candidates...), p.earlyICE, p.closes
}

type fakeFactory struct {
	mu        sync.Mutex
	peers     []*fakePeer
	failOffer bool
}

func (f *fakeFactory) NewPeer(callID string) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{callID: callID, failOffer: f.failOffer}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// ── signaler ─────────────────────────────────────────────────────────────────

// fakeSignaler records outbound signals and lets tests inject inbound ones.
type fakeSignaler struct {
	mu   sync.Mutex
	sent []proto.CallSignal
	fn   func(proto.CallSignal)
	fail bool
}

func (s *fakeSignaler) Listen(_ context.Context, fn func(proto.CallSignal)) (func(), error) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.fn = nil
		s.mu.Unlock()
	}, nil
}

func (s *fakeSignaler) Send(_ context.Context, sig proto.CallSignal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return false
	}
	s.sent = append(s.sent, sig)
	return true
}

func (s *fakeSignaler) inject(sig proto.CallSignal) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	fn(sig)
}

func (s *fakeSignaler) events() []proto.CallEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proto.CallEvent, len(s.sent))
	for i, sig := range s.sent {
		out[i] = sig.Event
	}
	return out
}

func (s *fakeSignaler) lastSent() proto.CallSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}
