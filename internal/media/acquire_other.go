//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// DeviceAcquirer is a placeholder on platforms without a mediadevices
// driver set; every acquisition fails so calls proceed receive-only.
type DeviceAcquirer struct{}

func NewDeviceAcquirer(int) (*DeviceAcquirer, error) { return &DeviceAcquirer{}, nil }

func (a *DeviceAcquirer) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (a *DeviceAcquirer) UserMedia(context.Context, Constraints) (*Stream, error) {
	return nil, ErrUnsupported
}

func (a *DeviceAcquirer) DisplayMedia(context.Context) (*Stream, error) {
	return nil, ErrUnsupported
}
