// Package portaudio implements audio.Backend on top of PortAudio.
package portaudio

import (
	"fmt"
	"unsafe"

	pa "github.com/gordonklaus/portaudio"

	"github.com/petems/tcb/internal/audio"
)

// Name identifies this backend in configuration.
const Name = "portaudio"

var _ audio.Backend = (*Backend)(nil)

// Backend captures through PortAudio. Streams are opened as float32
// interleaved at the device's default sample rate with up to two channels.
type Backend struct{}

// New initializes PortAudio. Close terminates it.
func New() (*Backend, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &Backend{}, nil
}

func (p *Backend) Name() string { return Name }

func (p *Backend) Devices() ([]audio.DeviceInfo, error) {
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]audio.DeviceInfo, 0, len(devices))
	defaultDevice, _ := pa.DefaultInputDevice()

	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, audio.DeviceInfo{
				Index:   len(result),
				ID:      d.Name,
				Name:    d.Name,
				Default: d == defaultDevice,
			})
		}
	}

	return result, nil
}

func (p *Backend) Open(id string, fn audio.DataFunc) (audio.Stream, error) {
	// Find device
	var device *pa.DeviceInfo
	if id == "" {
		var err error
		device, err = pa.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
	} else {
		devices, err := pa.Devices()
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate devices: %w", err)
		}
		for _, d := range devices {
			if d.Name == id && d.MaxInputChannels > 0 {
				device = d
				break
			}
		}
	}

	if device == nil {
		return nil, fmt.Errorf("device not found: %s", id)
	}

	format := audio.Format{
		Sample:     audio.SampleF32,
		Channels:   min(device.MaxInputChannels, 2),
		SampleRate: int(device.DefaultSampleRate),
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}

	channels := format.Channels
	callback := func(in []float32) {
		if len(in) == 0 {
			return
		}
		// Hand the interleaved float32 samples over as raw bytes, no copy.
		raw := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(in))), len(in)*4)
		fn(raw, len(in)/channels)
	}

	stream, err := pa.OpenStream(pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      device.DefaultSampleRate,
		FramesPerBuffer: pa.FramesPerBufferUnspecified,
	}, callback)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}

	return &inputStream{stream: stream, format: format}, nil
}

// Close terminates PortAudio.
func (p *Backend) Close() error {
	return pa.Terminate()
}

type inputStream struct {
	stream  *pa.Stream
	format  audio.Format
	started bool
}

func (s *inputStream) Format() audio.Format { return s.format }

func (s *inputStream) Start() error {
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}
	s.started = true
	return nil
}

// Stop waits for pending buffers; the callback is not invoked afterwards.
func (s *inputStream) Stop() error {
	if !s.started {
		return nil
	}
	s.started = false
	return s.stream.Stop()
}

func (s *inputStream) Close() error {
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	return err
}
