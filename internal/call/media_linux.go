//go:build linux

package call

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures camera and microphone with pion/mediadevices
// (V4L2 + malgo on Linux).
type DeviceSource struct {
	codecs *mediadevices.CodecSelector
}

// NewDeviceSource prepares the VP8/Opus encoders for captured tracks.
func NewDeviceSource() (MediaSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &DeviceSource{
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

type attempt struct {
	video bool
	audio bool
	label string
}

// Acquire opens the devices a call of typ needs. GetUserMedia fails as a
// unit, so a video call falls back to video-only and then audio-only before
// giving up.
func (d *DeviceSource) Acquire(ctx context.Context, typ Type) (LocalMedia, error) {
	attempts := []attempt{{false, true, "audio"}}
	if typ == Video {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	if devices := mediadevices.EnumerateDevices(); len(devices) == 0 {
		log.Warnf("call: no media devices found")
	} else {
		for _, dev := range devices {
			log.Debugf("call: media device kind=%v label=%q", dev.Kind, dev.Label)
		}
	}

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{Codec: d.codecs}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: MJPEG nodes on some cameras produce
				// frames that break the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("call: GetUserMedia (%s): %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		locals := make([]webrtc.TrackLocal, 0, len(tracks))
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("call: local track ended: %v", err)
				}
			})
			locals = append(locals, track)
		}
		log.Infof("call: local media captured (%s), %d tracks", a.label, len(tracks))
		return &trackSet{
			tracks: locals,
			stop: func() {
				for _, t := range tracks {
					t.Close()
				}
			},
		}, nil
	}
	return nil, fmt.Errorf("capture %s: %w", typ, lastErr)
}
