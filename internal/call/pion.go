package call

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers is used when no ICE servers are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// pliInterval is how often a keyframe is requested on remote video.
const pliInterval = 3 * time.Second

// PionFactory creates pion/webrtc peer connections sharing one API
// (codecs, interceptors, ICE timeouts).
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewPionFactory builds the API with the default codecs and interceptors.
func NewPionFactory(iceServers []string) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Relay paths can drop out for a few seconds while re-keying; give ICE
	// time to recover before the connection is declared failed.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
		},
	}, nil
}

func (f *PionFactory) NewPeer(callID string) (Peer, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	p := &pionPeer{callID: callID, pc: pc, done: make(chan struct{})}
	pc.OnTrack(p.onTrack)
	return p, nil
}

// PeerStats counts RTP received on remote tracks.
type PeerStats struct {
	PacketsReceived uint64
	PacketsLost     uint64
}

type pionPeer struct {
	callID string
	pc     *webrtc.PeerConnection

	mu    sync.Mutex
	stats PeerStats

	closeOnce sync.Once
	done      chan struct{}
}

// AddLocalMedia adds the local tracks. Kinds without a local track get a
// recvonly transceiver so the SDP always carries both m-lines.
func (p *pionPeer) AddLocalMedia(m LocalMedia) error {
	var haveAudio, haveVideo bool
	if m != nil {
		for _, track := range m.Tracks() {
			sender, err := p.pc.AddTrack(track)
			if err != nil {
				return err
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				haveAudio = true
			case webrtc.RTPCodecTypeVideo:
				haveVideo = true
			}
			go p.readRTCP(sender)
		}
	}
	if !haveVideo {
		p.addRecvOnly(webrtc.RTPCodecTypeVideo)
	}
	if !haveAudio {
		p.addRecvOnly(webrtc.RTPCodecTypeAudio)
	}
	return nil
}

func (p *pionPeer) addRecvOnly(kind webrtc.RTPCodecType) {
	if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("call [%s]: recvonly %s transceiver: %v", p.callID, kind, err)
	}
}

// readRTCP drains sender reports so the interceptors keep running, and
// notes keyframe requests from the remote side.
func (p *pionPeer) readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
				log.Debugf("call [%s]: remote requested keyframe", p.callID)
			}
		}
	}
}

func (p *pionPeer) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Infof("call [%s]: remote %s track (%s)", p.callID, track.Kind(), track.Codec().MimeType)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go p.requestKeyframes(uint32(track.SSRC()))
	}
	go p.drain(track)
}

// drain reads remote RTP until the track ends and tracks sequence gaps.
func (p *pionPeer) drain(track *webrtc.TrackRemote) {
	var (
		last    uint16
		started bool
	)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("call [%s]: remote track: %v", p.callID, err)
			}
			return
		}
		lost := sequenceGap(started, last, pkt)
		last, started = pkt.SequenceNumber, true

		p.mu.Lock()
		p.stats.PacketsReceived++
		p.stats.PacketsLost += uint64(lost)
		p.mu.Unlock()
	}
}

// sequenceGap returns how many packets are missing between last and pkt.
// Reordered or duplicate packets count as no loss.
func sequenceGap(started bool, last uint16, pkt *rtp.Packet) uint16 {
	if !started {
		return 0
	}
	diff := pkt.SequenceNumber - last
	if diff == 0 || diff > 0x8000 {
		return 0
	}
	return diff - 1
}

func (p *pionPeer) requestKeyframes(ssrc uint32) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		if err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
			return
		}
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
	}
}

// Stats returns RTP counters of the remote tracks.
func (p *pionPeer) Stats() PeerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

// OnICECandidate reports trickled local candidates; end-of-gathering is not
// forwarded.
func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()
	})
	return err
}
