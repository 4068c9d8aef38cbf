package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/chathub/internal/proto"
	"github.com/petervdpas/chathub/internal/realtime"
)

// registrySignaler carries call signals over one realtime channel.
type registrySignaler struct {
	reg     *realtime.Registry
	channel string
}

// NewRegistrySignaler signals over channel (proto.ChannelCalls when empty).
func NewRegistrySignaler(reg *realtime.Registry, channel string) Signaler {
	if channel == "" {
		channel = proto.ChannelCalls
	}
	return &registrySignaler{reg: reg, channel: channel}
}

func (s *registrySignaler) Listen(ctx context.Context, fn func(proto.CallSignal)) (func(), error) {
	sub, err := s.reg.Subscribe(ctx, s.channel, proto.KindCallSignal, func(evt realtime.Event) error {
		var sig proto.CallSignal
		if err := realtime.Decode(evt, &sig); err != nil {
			return err
		}
		if sig.Event == "" || sig.CallSession.ID == "" {
			return fmt.Errorf("call signal without event or session id")
		}
		fn(sig)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (s *registrySignaler) Send(ctx context.Context, sig proto.CallSignal) bool {
	return s.reg.Broadcast(ctx, s.channel, proto.KindCallSignal, sig)
}

func toProtoSDP(d webrtc.SessionDescription) *proto.SessionDescription {
	return &proto.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func fromProtoSDP(d *proto.SessionDescription) (webrtc.SessionDescription, error) {
	if d == nil || d.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("missing session description")
	}
	typ := webrtc.NewSDPType(d.Type)
	if typ == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown sdp type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: typ, SDP: d.SDP}, nil
}

func toProtoCandidate(c webrtc.ICECandidateInit) *proto.ICECandidateInit {
	return &proto.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromProtoCandidate(c *proto.ICECandidateInit) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
