// Package audio describes capture devices, their native PCM formats and
// the backend interface that opens them.
package audio

import "fmt"

// SampleFormat identifies how a single sample is laid out in memory.
// All integer formats are signed little-endian except U8.
type SampleFormat int

const (
	SampleUnknown SampleFormat = iota
	SampleU8
	SampleS16
	SampleS24
	SampleS32
	SampleF32
)

// BytesPerSample returns the size of one sample, or 0 for SampleUnknown.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case SampleU8:
		return 1
	case SampleS16:
		return 2
	case SampleS24:
		return 3
	case SampleS32, SampleF32:
		return 4
	}
	return 0
}

func (f SampleFormat) String() string {
	switch f {
	case SampleU8:
		return "u8"
	case SampleS16:
		return "s16"
	case SampleS24:
		return "s24"
	case SampleS32:
		return "s32"
	case SampleF32:
		return "f32"
	}
	return "unknown"
}

// Format is the (sample format, channel count, sample rate) triple of a
// stream. A capture source's Format is fixed when the device is opened.
type Format struct {
	Sample     SampleFormat
	Channels   int
	SampleRate int
}

// Canonical is the system-wide representation every source is converted to
// before mixing, encoding or transcription: mono IEEE float at 16 kHz.
var Canonical = Format{Sample: SampleF32, Channels: 1, SampleRate: 16000}

// BytesPerFrame returns the size of one frame (one sample per channel).
func (f Format) BytesPerFrame() int {
	return f.Sample.BytesPerSample() * f.Channels
}

// Validate reports whether the format can be captured and converted.
func (f Format) Validate() error {
	if f.Sample.BytesPerSample() == 0 {
		return fmt.Errorf("audio: unsupported sample format %v", f.Sample)
	}
	if f.Channels < 1 {
		return fmt.Errorf("audio: invalid channel count %d", f.Channels)
	}
	if f.SampleRate < 1 {
		return fmt.Errorf("audio: invalid sample rate %d", f.SampleRate)
	}
	return nil
}

func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%s %dHz %s", f.Sample, f.SampleRate, ch)
}

// DeviceInfo describes a capture device as reported by a Backend. ID is
// opaque to the pipeline; Index is the position in the enumeration order.
type DeviceInfo struct {
	Index   int
	ID      string
	Name    string
	Default bool
}

// DataFunc receives captured frames on the audio subsystem's real-time
// thread. input holds frames interleaved in the stream's native Format and is
// only valid for the duration of the call. Implementations must not block,
// allocate heavily or panic.
type DataFunc func(input []byte, frames int)

// Stream is an opened capture device.
type Stream interface {
	// Format returns the native format the device delivers.
	Format() Format
	Start() error
	// Stop halts capture. When it returns, the DataFunc is no longer running
	// and will not be called again.
	Stop() error
	// Close releases the device. The stream must not be used afterwards.
	Close() error
}

// Backend enumerates and opens capture devices.
type Backend interface {
	Name() string
	Devices() ([]DeviceInfo, error)
	// Open opens the device with the given ID in its native format. An
	// empty id selects the default capture device.
	Open(id string, fn DataFunc) (Stream, error)
	Close() error
}
