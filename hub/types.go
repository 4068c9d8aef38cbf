package hub

import (
	"github.com/petervdpas/chathub/internal/call"
	"github.com/petervdpas/chathub/internal/config"
	"github.com/petervdpas/chathub/internal/messages"
	"github.com/petervdpas/chathub/internal/notify"
	"github.com/petervdpas/chathub/internal/presence"
	"github.com/petervdpas/chathub/internal/proto"
	"github.com/petervdpas/chathub/internal/realtime"
	"github.com/petervdpas/chathub/internal/storage"
	"github.com/petervdpas/chathub/internal/transport"
	"github.com/petervdpas/chathub/internal/transport/memory"
	"github.com/petervdpas/chathub/internal/typing"
)

// Re-exported so code outside this module can use the hub's services.
type (
	Config = config.Config

	Transport = transport.Transport
	Event     = transport.Event
	Broker    = memory.Broker

	Listener     = realtime.Listener
	Subscription = realtime.Subscription
	ChannelInfo  = realtime.ChannelInfo

	PresenceStatus = presence.Status
	PresenceRecord = presence.Record
	PresenceEvent  = presence.Event

	Notification        = notify.Notification
	NotificationPayload = proto.NotificationPayload
	Priority            = notify.Priority
	Display             = notify.Display
	Permissions         = notify.Permissions

	CallSession = call.Session
	CallRecord  = call.Record
	CallType    = call.Type
	CallState   = call.State
	CallHistory = call.History
	MediaSource = call.MediaSource
	PeerFactory = call.PeerFactory
	LocalMedia  = call.LocalMedia
	Peer        = call.Peer

	TypingChange = typing.ChangeFunc
	Message      = messages.Message
	Contact      = storage.Contact
)

// NewBroker creates an in-process broker for the memory transport.
func NewBroker() *Broker { return memory.NewBroker() }

// DefaultConfig returns the default configuration.
func DefaultConfig() Config { return config.Default() }
