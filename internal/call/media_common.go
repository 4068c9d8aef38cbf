package call

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ReceiveOnly is a MediaSource that captures nothing: the call still
// negotiates and receives remote media.
type ReceiveOnly struct{}

func (ReceiveOnly) Acquire(context.Context, Type) (LocalMedia, error) {
	return &trackSet{}, nil
}

// trackSet is LocalMedia over a fixed list of tracks with a stop func.
type trackSet struct {
	tracks []webrtc.TrackLocal
	stop   func()
	once   sync.Once
}

func (t *trackSet) Tracks() []webrtc.TrackLocal { return t.tracks }

func (t *trackSet) Stop() {
	t.once.Do(func() {
		if t.stop != nil {
			t.stop()
		}
	})
}
