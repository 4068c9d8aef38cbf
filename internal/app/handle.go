package app

import (
	"sync"

	"github.com/petervdpas/chathub/hub"
	"github.com/petervdpas/chathub/internal/call"
	"github.com/petervdpas/chathub/internal/realtime"
)

// Status is what /status reports about the running peer.
type Status struct {
	SelfID        string                 `json:"self_id"`
	Running       bool                   `json:"running"`
	Online        []string               `json:"online"`
	Channels      []realtime.ChannelInfo `json:"channels"`
	ActiveCall    *call.Session          `json:"active_call,omitempty"`
	UnreadNotices int                    `json:"unread_notifications"`
}

var (
	mu    sync.RWMutex
	rtHub *hub.Hub
)

func setRuntime(h *hub.Hub) {
	mu.Lock()
	defer mu.Unlock()
	rtHub = h
}

// RuntimeSelf returns the user id of the running peer.
func RuntimeSelf() (id string, ok bool) {
	mu.RLock()
	defer mu.RUnlock()
	if rtHub == nil {
		return "", false
	}
	return rtHub.SelfID(), true
}

func StatusSnapshot() Status {
	mu.RLock()
	h := rtHub
	mu.RUnlock()

	if h == nil {
		return Status{}
	}
	st := Status{
		SelfID:        h.SelfID(),
		Running:       true,
		Online:        h.Presence().Online(),
		Channels:      h.Registry().Channels(),
		UnreadNotices: h.Notifications().UnreadCount(),
	}
	if s, ok := h.Calls().Active(); ok {
		st.ActiveCall = &s
	}
	return st
}
