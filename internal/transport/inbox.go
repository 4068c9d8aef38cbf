package transport

import "sync"

type inboxSub struct {
	match func(string) bool
	fn    func(Event)
}

// Inbox queues the events of one open channel and hands them to the
// registered listeners in arrival order from its own goroutine. Push never
// blocks the caller. Events are held until the first listener subscribes.
type Inbox struct {
	mu      sync.Mutex
	subs    []inboxSub
	queue   []Event
	signal  chan struct{}
	done    chan struct{}
	stopped bool
}

// NewInbox starts the delivery goroutine.
func NewInbox() *Inbox {
	b := &Inbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go b.deliverLoop()
	return b
}

// Subscribe adds a listener for events whose kind satisfies match (nil
// accepts every kind).
func (b *Inbox) Subscribe(match func(kind string) bool, fn func(Event)) {
	b.mu.Lock()
	b.subs = append(b.subs, inboxSub{match: match, fn: fn})
	b.mu.Unlock()
	b.wake()
}

// Push queues evt. Events pushed after Stop are dropped.
func (b *Inbox) Push(evt Event) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, evt)
	b.mu.Unlock()
	b.wake()
}

func (b *Inbox) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Stop discards queued events and ends the delivery goroutine. Idempotent.
func (b *Inbox) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.queue = nil
	b.mu.Unlock()
	close(b.done)
}

func (b *Inbox) deliverLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.signal:
		}
		for {
			b.mu.Lock()
			if b.stopped || len(b.queue) == 0 || len(b.subs) == 0 {
				b.mu.Unlock()
				break
			}
			evt := b.queue[0]
			b.queue = b.queue[1:]
			subs := append([]inboxSub(nil), b.subs...)
			b.mu.Unlock()

			for _, s := range subs {
				if s.match == nil || s.match(evt.Kind) {
					s.fn(evt)
				}
			}
		}
	}
}
