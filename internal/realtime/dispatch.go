package realtime

import (
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/petervdpas/chathub/internal/transport"
)

// dispatch delivers one inbound event to every registration on channel whose
// kind matches, in registration order, on the caller's goroutine. Events for
// a handle that is no longer the channel's current one, or for a channel with
// no registrations left, are discarded.
func (r *Registry) dispatch(channel string, h transport.Handle, evt Event) {
	if evt.Channel == "" {
		evt.Channel = channel
	}

	r.mu.Lock()
	e, ok := r.channels[channel]
	if !ok || len(e.regs) == 0 {
		r.mu.Unlock()
		r.metrics.Discarded("no_listeners")
		return
	}
	if e.handle != h {
		r.mu.Unlock()
		r.metrics.Discarded("stale_handle")
		return
	}
	targets := make([]*Subscription, 0, len(e.regs))
	for _, s := range e.regs {
		if s.matches(evt.Kind) {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		// A registration removed by an earlier listener of this same event
		// must not see it.
		if !s.Active() {
			continue
		}
		r.deliver(s, evt)
	}
}

// deliver runs one listener, isolating its failure from the others.
func (r *Registry) deliver(s *Subscription, evt Event) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("realtime [%s]: listener %s panicked on %s: %v\n%s", evt.Channel, s.id[:8], evt.Kind, p, debug.Stack())
			r.metrics.ListenerFailed(evt.Kind)
		}
	}()

	if err := s.fn(evt); err != nil {
		log.Warnf("realtime [%s]: listener %s failed on %s: %v", evt.Channel, s.id[:8], evt.Kind, err)
		r.metrics.ListenerFailed(evt.Kind)
		return
	}
	r.metrics.Dispatched(evt.Kind)
}

// ListenerFunc adapts a plain callback into a Listener.
func ListenerFunc(fn func(Event)) Listener {
	return func(evt Event) error {
		fn(evt)
		return nil
	}
}

// Decode is a helper for listeners: it unmarshals the event payload into v.
func Decode(evt Event, v any) error {
	if err := json.Unmarshal(evt.Payload, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", evt.Channel, evt.Kind, err)
	}
	return nil
}
