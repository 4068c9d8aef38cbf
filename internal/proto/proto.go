// Package proto holds the channel names, event kinds and payload shapes that
// travel over the realtime transport. Every component that talks on the wire
// uses these types; transports treat payloads as opaque JSON.
package proto

import "time"

// ── Channel names ─────────────────────────────────────────────────────────────
// Single source of truth for all channel names used across the hub.
const (
	// Shared presence channel; every session joins it.
	ChannelPresence = "presence"

	// Shared call-signaling channel; payloads carry initiator/receiver and
	// each end filters for itself.
	ChannelCalls = "calls"

	ChannelTypingPrefix       = "typing:"        // + conversationID
	ChannelMessagesPrefix     = "messages:"      // + conversationID
	ChannelNotificationPrefix = "notifications:" // + userID
)

// TypingChannel returns the typing channel for a conversation.
func TypingChannel(conversationID string) string { return ChannelTypingPrefix + conversationID }

// MessagesChannel returns the message channel for a conversation.
func MessagesChannel(conversationID string) string { return ChannelMessagesPrefix + conversationID }

// NotificationChannel returns the per-user notification channel.
func NotificationChannel(userID string) string { return ChannelNotificationPrefix + userID }

// ── Event kinds ───────────────────────────────────────────────────────────────
const (
	KindAny = "*" // wildcard registration, matches every kind

	KindPresence = "presence"
	KindLeave    = "leave"

	KindTyping = "typing"

	KindNotification = "notification"

	KindMessage    = "message"
	KindMessageAck = "message_ack"

	KindCallSignal = "call_signal"
)

// ── Presence ── channel "presence" ────────────────────────────────────────────

// PresencePayload is broadcast by each session on announce and heartbeat.
type PresencePayload struct {
	UserID   string `json:"user_id"`
	OnlineAt string `json:"online_at"` // RFC 3339
	Status   string `json:"status"`
	Activity string `json:"activity,omitempty"`
	Device   string `json:"device,omitempty"`
}

// LeavePayload is broadcast on explicit departure.
type LeavePayload struct {
	UserID string `json:"user_id"`
}

// ── Typing ── channel "typing:{conversationID}" ───────────────────────────────

type TypingPayload struct {
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
	ConversationID string `json:"conversation_id"`
}

// ── Notifications ── channel "notifications:{userID}" ─────────────────────────

type NotificationPayload struct {
	ID        string         `json:"id,omitempty"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title,omitempty"`
	Body      string         `json:"body,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt string         `json:"created_at,omitempty"`
}

// ── Messages ── channel "messages:{conversationID}" ───────────────────────────

// MessagePayload carries both optimistic (client) and authoritative
// (server-confirmed) messages. ClientRef links the two.
type MessagePayload struct {
	ID             string `json:"id"`
	ClientRef      string `json:"client_ref,omitempty"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	CreatedAt      string `json:"created_at"`
}

// ── Call signaling ── channel "calls", kind "call_signal" ─────────────────────
//
//   initiator                         receiver
//   ────────────────────────────────────────────────────────────
//   call_initiated  ────────────────► (ringing)
//                   ◄──────────────── call_accepted (or call_declined)
//   webrtc_offer    ────────────────►
//                   ◄──────────────── webrtc_answer
//   ice_candidate   ◄──────────────► ice_candidate   (trickle, both ways)
//   call_ended      ◄──────────────► call_ended      (either side, any time)

// CallEvent is the value of the "event" field of a call signal.
type CallEvent string

const (
	CallInitiated CallEvent = "call_initiated"
	CallAccepted  CallEvent = "call_accepted"
	CallDeclined  CallEvent = "call_declined"
	CallEnded     CallEvent = "call_ended"
	WebRTCOffer   CallEvent = "webrtc_offer"
	WebRTCAnswer  CallEvent = "webrtc_answer"
	ICECandidate  CallEvent = "ice_candidate"
)

// CallSessionPayload is the session snapshot attached to every signal.
type CallSessionPayload struct {
	ID           string     `json:"id"`
	InitiatorID  string     `json:"initiator_id"`
	ReceiverID   string     `json:"receiver_id"`
	Participants []string   `json:"participants,omitempty"`
	Type         string     `json:"type"` // voice|video
	Status       string     `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndReason    string     `json:"end_reason,omitempty"`
}

// SessionDescription is the standard RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"` // offer|answer
	SDP  string `json:"sdp"`
}

// ICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalData carries the negotiation body for offer/answer/ice_candidate.
type SignalData struct {
	Offer       *SessionDescription `json:"offer,omitempty"`
	Answer      *SessionDescription `json:"answer,omitempty"`
	Candidate   *ICECandidateInit   `json:"candidate,omitempty"`
	InitiatorID string              `json:"initiator_id,omitempty"`
	ReceiverID  string              `json:"receiver_id,omitempty"`
}

// CallSignal is the payload of every call_signal event.
type CallSignal struct {
	Event       CallEvent          `json:"event"`
	SenderID    string             `json:"sender_id"`
	RecipientID string             `json:"recipient_id"`
	CallSession CallSessionPayload `json:"call_session"`
	Data        *SignalData        `json:"data,omitempty"`
}

// FormatTime renders timestamps the way every payload carries them.
func FormatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// ParseTime parses a payload timestamp; the zero time is returned on error.
func ParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
