package call

import (
	"context"
	"fmt"

	"github.com/petervdpas/chathub/internal/proto"
)

// handleSignal applies one inbound signal on the loop. Signals that do not
// fit the current state are logged and dropped; the session is unchanged.
func (m *Manager) handleSignal(sig proto.CallSignal) {
	if m.closed || sig.SenderID == m.selfID {
		return
	}
	recipient := sig.RecipientID
	if recipient == "" {
		recipient = sig.CallSession.ReceiverID
	}
	if recipient != m.selfID {
		return
	}
	ctx := context.Background()

	if sig.Event == proto.CallInitiated {
		m.onRemoteInitiated(ctx, sig)
		return
	}

	s := m.active
	if s == nil || s.info.ID != sig.CallSession.ID {
		log.Debugf("call [%s]: %s for inactive call ignored", sig.CallSession.ID, sig.Event)
		return
	}
	if sig.SenderID != s.info.Remote(m.selfID) {
		log.Warnf("call [%s]: %s from non-participant %s ignored", s.info.ID, sig.Event, sig.SenderID)
		return
	}

	var err error
	switch sig.Event {
	case proto.CallAccepted:
		err = m.onRemoteAccepted(ctx, s)
	case proto.CallDeclined:
		err = m.terminate(ctx, s, TrigRemoteDecline, reasonOr(sig.CallSession.EndReason, ReasonDeclined))
	case proto.CallEnded:
		def := ReasonHangup
		if s.info.State == Ringing {
			def = ReasonCancelled
		}
		err = m.terminate(ctx, s, TrigRemoteEnd, reasonOr(sig.CallSession.EndReason, def))
	case proto.WebRTCOffer:
		err = m.onOffer(ctx, s, sig.Data)
	case proto.WebRTCAnswer:
		err = m.onAnswer(ctx, s, sig.Data)
	case proto.ICECandidate:
		err = m.onRemoteCandidate(s, sig.Data)
	default:
		err = fmt.Errorf("unknown event %q", sig.Event)
	}
	if err != nil {
		log.Warnf("call [%s]: %s dropped: %v", sig.CallSession.ID, sig.Event, err)
	}
}

func reasonOr(reason, def string) string {
	if reason == "" {
		return def
	}
	return reason
}

func (m *Manager) onRemoteInitiated(ctx context.Context, sig proto.CallSignal) {
	cs := sig.CallSession
	typ := Type(cs.Type)
	if !typ.Valid() {
		log.Warnf("call [%s]: invalid call type %q", cs.ID, cs.Type)
		return
	}
	if s := m.active; s != nil && s.info.ID == cs.ID {
		return
	}
	if _, done := m.recent.Find(func(id string) bool { return id == cs.ID }); done {
		return
	}
	initiator := cs.InitiatorID
	if initiator == "" {
		initiator = sig.SenderID
	}
	now := m.clk.Now()

	if m.active != nil {
		busy := Session{
			ID:           cs.ID,
			Type:         typ,
			InitiatorID:  initiator,
			ReceiverID:   m.selfID,
			Participants: cs.Participants,
			State:        Declined,
			CreatedAt:    now,
			EndedAt:      now,
			EndReason:    ReasonBusy,
		}
		m.sig.Send(ctx, proto.CallSignal{
			Event:       proto.CallDeclined,
			SenderID:    m.selfID,
			RecipientID: initiator,
			CallSession: busy.payload(),
		})
		m.recent.Push(cs.ID)
		m.record(ctx, busy)
		log.Infof("call [%s]: auto-declined call from %s (busy)", cs.ID, initiator)
		return
	}

	s := newSession(Session{
		ID:           cs.ID,
		Type:         typ,
		InitiatorID:  initiator,
		ReceiverID:   m.selfID,
		Participants: cs.Participants,
		State:        Idle,
		CreatedAt:    now,
	})
	m.active = s
	if err := m.apply(s, TrigRemoteInitiated); err != nil {
		m.active = nil
		log.Errorf("call [%s]: %v", cs.ID, err)
		return
	}
	log.Infof("call [%s]: incoming %s call from %s", cs.ID, typ, initiator)
	m.notifyIncoming(s.snapshot())
}

// onRemoteAccepted creates the initiator's peer connection and sends the
// offer.
func (m *Manager) onRemoteAccepted(ctx context.Context, s *session) error {
	if !s.info.Outgoing {
		return fmt.Errorf("%w: call_accepted on incoming call", ErrIllegalTransition)
	}
	if err := m.apply(s, TrigRemoteAccepted); err != nil {
		return err
	}
	if err := m.ensurePeer(s); err != nil {
		m.fail(ctx, s, ReasonSignaling, err)
		return nil
	}
	offer, err := s.peer.CreateOffer()
	if err != nil {
		m.fail(ctx, s, ReasonSignaling, fmt.Errorf("create offer: %w", err))
		return nil
	}
	if !m.send(ctx, s, proto.WebRTCOffer, &proto.SignalData{
		Offer:       toProtoSDP(offer),
		InitiatorID: s.info.InitiatorID,
		ReceiverID:  s.info.ReceiverID,
	}) {
		m.fail(ctx, s, ReasonSignaling, fmt.Errorf("offer not sent"))
	}
	return nil
}

// onOffer applies the initiator's offer and answers it. The receiver is
// connected once its answer is applied locally and sent.
func (m *Manager) onOffer(ctx context.Context, s *session, data *proto.SignalData) error {
	if s.info.Outgoing {
		return fmt.Errorf("%w: offer on outgoing call", ErrIllegalTransition)
	}
	if err := m.apply(s, TrigRemoteOffer); err != nil {
		return err
	}
	if data == nil {
		m.fail(ctx, s, ReasonSignaling, fmt.Errorf("offer without data"))
		return nil
	}
	desc, err := fromProtoSDP(data.Offer)
	if err != nil {
		m.fail(ctx, s, ReasonSignaling, err)
		return nil
	}
	if err := m.ensurePeer(s); err != nil {
		m.fail(ctx, s, ReasonSignaling, err)
		return nil
	}
	if err := s.setRemote(desc); err != nil {
		m.fail(ctx, s, ReasonSignaling, fmt.Errorf("set offer: %w", err))
		return nil
	}
	answer, err := s.peer.CreateAnswer()
	if err != nil {
		m.fail(ctx, s, ReasonSignaling, fmt.Errorf("create answer: %w", err))
		return nil
	}
	if !m.send(ctx, s, proto.WebRTCAnswer, &proto.SignalData{
		Answer:      toProtoSDP(answer),
		InitiatorID: s.info.InitiatorID,
		ReceiverID:  s.info.ReceiverID,
	}) {
		m.fail(ctx, s, ReasonSignaling, fmt.Errorf("answer not sent"))
		return nil
	}
	return m.apply(s, TrigAnswerSent)
}

func (m *Manager) onAnswer(ctx context.Context, s *session, data *proto.SignalData) error {
	if !s.info.Outgoing {
		return fmt.Errorf("%w: answer on incoming call", ErrIllegalTransition)
	}
	if _, err := next(s.info.State, TrigRemoteAnswer); err != nil {
		return err
	}
	if data == nil {
		m.fail(ctx, s, ReasonSignaling, fmt.Errorf("answer without data"))
		return nil
	}
	desc, err := fromProtoSDP(data.Answer)
	if err != nil {
		m.fail(ctx, s, ReasonSignaling, err)
		return nil
	}
	if err := s.setRemote(desc); err != nil {
		m.fail(ctx, s, ReasonSignaling, fmt.Errorf("set answer: %w", err))
		return nil
	}
	return m.apply(s, TrigRemoteAnswer)
}

func (m *Manager) onRemoteCandidate(s *session, data *proto.SignalData) error {
	if data == nil || data.Candidate == nil {
		return fmt.Errorf("ice_candidate without candidate")
	}
	if _, err := next(s.info.State, TrigICE); err != nil {
		return err
	}
	if err := s.addCandidate(fromProtoCandidate(data.Candidate)); err != nil {
		log.Warnf("call [%s]: candidate rejected: %v", s.info.ID, err)
	}
	return nil
}
