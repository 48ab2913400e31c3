// Package miniaudio implements audio.Backend on top of miniaudio through the
// malgo bindings.
package miniaudio

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/petems/tcb/internal/audio"
)

// Name identifies this backend in configuration.
const Name = "miniaudio"

var _ audio.Backend = (*Backend)(nil)

// Backend captures through miniaudio. Devices are opened in their
// native format, channel count and sample rate.
type Backend struct {
	ctx *malgo.AllocatedContext

	mu  sync.Mutex
	ids map[string]malgo.DeviceID
}

// New initializes a miniaudio context.
func New() (*Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize miniaudio: %w", err)
	}
	return &Backend{ctx: ctx, ids: make(map[string]malgo.DeviceID)}, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Devices() ([]audio.DeviceInfo, error) {
	devices, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]audio.DeviceInfo, 0, len(devices))
	for i, d := range devices {
		id := hex.EncodeToString(d.ID[:])
		b.ids[id] = d.ID
		result = append(result, audio.DeviceInfo{
			Index:   i,
			ID:      id,
			Name:    d.Name(),
			Default: d.IsDefault != 0,
		})
	}
	return result, nil
}

func (b *Backend) Open(id string, fn audio.DataFunc) (audio.Stream, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	// Zero format, channels and rate select the device's native values.
	cfg.Capture.Format = malgo.FormatUnknown
	cfg.Capture.Channels = 0
	cfg.SampleRate = 0

	s := &miniaudioStream{}
	if id != "" {
		b.mu.Lock()
		devID, ok := b.ids[id]
		b.mu.Unlock()
		if !ok {
			if _, err := b.Devices(); err != nil {
				return nil, err
			}
			b.mu.Lock()
			devID, ok = b.ids[id]
			b.mu.Unlock()
		}
		if !ok {
			return nil, fmt.Errorf("device not found: %s", id)
		}
		s.id = devID
		cfg.Capture.DeviceID = s.id.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			fn(input, int(frameCount))
		},
	}
	device, err := malgo.InitDevice(b.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize capture device: %w", err)
	}
	s.device = device

	s.format = audio.Format{
		Sample:     fromMalgoFormat(device.CaptureFormat()),
		Channels:   int(device.CaptureChannels()),
		SampleRate: int(device.SampleRate()),
	}
	if err := s.format.Validate(); err != nil {
		device.Uninit()
		return nil, err
	}
	return s, nil
}

func (b *Backend) Close() error {
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	b.ctx = nil
	return err
}

type miniaudioStream struct {
	id     malgo.DeviceID
	device *malgo.Device
	format audio.Format
}

func (s *miniaudioStream) Format() audio.Format { return s.format }

func (s *miniaudioStream) Start() error {
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("failed to start device: %w", err)
	}
	return nil
}

// Stop is synchronous in miniaudio: the data callback has returned for the
// last time once ma_device_stop completes.
func (s *miniaudioStream) Stop() error {
	if !s.device.IsStarted() {
		return nil
	}
	return s.device.Stop()
}

func (s *miniaudioStream) Close() error {
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	return nil
}

func fromMalgoFormat(f malgo.FormatType) audio.SampleFormat {
	switch f {
	case malgo.FormatU8:
		return audio.SampleU8
	case malgo.FormatS16:
		return audio.SampleS16
	case malgo.FormatS24:
		return audio.SampleS24
	case malgo.FormatS32:
		return audio.SampleS32
	case malgo.FormatF32:
		return audio.SampleF32
	}
	return audio.SampleUnknown
}
