package call

import (
	"github.com/pion/webrtc/v4"
)

// session is the mutable state of the active call. It is only touched on the
// manager loop.
type session struct {
	info Session

	peer       Peer
	media      LocalMedia
	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit
	released   bool
}

func newSession(info Session) *session {
	info.VideoEnabled = info.Type == Video
	return &session{info: info}
}

func (s *session) snapshot() Session {
	out := s.info
	if s.info.Participants != nil {
		out.Participants = append([]string(nil), s.info.Participants...)
	}
	return out
}

// addCandidate applies c, or queues it until the remote description is set.
func (s *session) addCandidate(c webrtc.ICECandidateInit) error {
	if s.peer == nil || !s.remoteSet {
		s.pendingICE = append(s.pendingICE, c)
		return nil
	}
	return s.peer.AddICECandidate(c)
}

// setRemote applies desc and replays the queued candidates in arrival order.
func (s *session) setRemote(desc webrtc.SessionDescription) error {
	if err := s.peer.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.remoteSet = true
	queued := s.pendingICE
	s.pendingICE = nil
	for _, c := range queued {
		if err := s.peer.AddICECandidate(c); err != nil {
			log.Warnf("call [%s]: queued candidate rejected: %v", s.info.ID, err)
		}
	}
	if len(queued) > 0 {
		log.Debugf("call [%s]: replayed %d queued candidates", s.info.ID, len(queued))
	}
	return nil
}

// release stops local media and closes the peer connection, once.
func (s *session) release() {
	if s.released {
		return
	}
	s.released = true
	if s.media != nil {
		s.media.Stop()
	}
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			log.Debugf("call [%s]: peer close: %v", s.info.ID, err)
		}
	}
	s.pendingICE = nil
}
