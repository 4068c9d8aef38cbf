//go:build !linux

package call

// NewDeviceSource returns a receive-only source: device capture through
// pion/mediadevices needs the Linux drivers.
func NewDeviceSource() (MediaSource, error) {
	log.Infof("call: no local capture on this platform, calls are receive-only")
	return ReceiveOnly{}, nil
}
