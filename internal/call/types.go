package call

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/chathub/internal/proto"
)

var (
	ErrCallActive        = errors.New("call: another call is active")
	ErrNoSession         = errors.New("call: no such session")
	ErrIllegalTransition = errors.New("call: illegal transition")
	ErrClosed            = errors.New("call: manager closed")
	ErrMedia             = errors.New("call: local media unavailable")
	ErrSignaling         = errors.New("call: signaling failed")
	ErrInvalidRating     = errors.New("call: rating must be 1..5")
)

type State string

const (
	Idle       State = "idle"
	Calling    State = "calling"
	Ringing    State = "ringing"
	Connecting State = "connecting"
	Connected  State = "connected"
	Ended      State = "ended"
	Declined   State = "declined"
	Failed     State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Ended || s == Declined || s == Failed
}

type Type string

const (
	Voice Type = "voice"
	Video Type = "video"
)

func (t Type) Valid() bool { return t == Voice || t == Video }

// End reasons recorded in history and sent with terminal signals.
const (
	ReasonHangup    = "hangup"
	ReasonDeclined  = "declined"
	ReasonCancelled = "cancelled"
	ReasonBusy      = "busy"
	ReasonMedia     = "media_unavailable"
	ReasonSignaling = "signaling_failed"
	ReasonICE       = "ice_failed"
	ReasonRemote    = "remote_failed"
	ReasonShutdown  = "shutdown"
)

// Session is a read-only snapshot of a call.
type Session struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	InitiatorID  string    `json:"initiator_id"`
	ReceiverID   string    `json:"receiver_id"`
	Participants []string  `json:"participants,omitempty"`
	State        State     `json:"state"`
	Outgoing     bool      `json:"outgoing"`
	CreatedAt    time.Time `json:"created_at"`
	ConnectedAt  time.Time `json:"connected_at,omitempty"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	EndReason    string    `json:"end_reason,omitempty"`
	AudioMuted   bool      `json:"audio_muted"`
	VideoEnabled bool      `json:"video_enabled"`
}

// Remote returns the other party of a 1:1 call.
func (s Session) Remote(selfID string) string {
	if s.InitiatorID == selfID {
		return s.ReceiverID
	}
	return s.InitiatorID
}

// Duration is the connected time of a finished call; zero if it never
// connected.
func (s Session) Duration() time.Duration {
	if s.ConnectedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.ConnectedAt)
}

func (s Session) payload() proto.CallSessionPayload {
	p := proto.CallSessionPayload{
		ID:           s.ID,
		InitiatorID:  s.InitiatorID,
		ReceiverID:   s.ReceiverID,
		Participants: s.Participants,
		Type:         string(s.Type),
		Status:       string(s.State),
		EndReason:    s.EndReason,
	}
	if !s.ConnectedAt.IsZero() {
		t := s.ConnectedAt
		p.StartedAt = &t
	}
	return p
}

// Record is one finished call in the history.
type Record struct {
	Session       Session       `json:"session"`
	Duration      time.Duration `json:"duration"`
	EndReason     string        `json:"end_reason"`
	QualityRating int           `json:"quality_rating,omitempty"`
}

// Signaler is the only surface the call package needs from the realtime
// layer.
type Signaler interface {
	Listen(ctx context.Context, fn func(proto.CallSignal)) (cancel func(), err error)
	Send(ctx context.Context, sig proto.CallSignal) bool
}

// LocalMedia is the set of local tracks captured for one call. Stop releases
// the capture devices.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// MediaSource captures local media for a call type.
type MediaSource interface {
	Acquire(ctx context.Context, typ Type) (LocalMedia, error)
}

// Peer is the negotiation surface of one WebRTC peer connection.
type Peer interface {
	AddLocalMedia(m LocalMedia) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	Close() error
}

// PeerFactory creates a Peer per call.
type PeerFactory interface {
	NewPeer(callID string) (Peer, error)
}

// History persists finished calls.
type History interface {
	Add(ctx context.Context, rec Record) error
	Rate(ctx context.Context, callID string, rating int) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}
