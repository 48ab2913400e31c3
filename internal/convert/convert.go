// Package convert turns native PCM frames into the canonical mono float
// stream. A Converter is stateful: the resampler keeps its filter history
// and phase across calls, so one Converter serves exactly one source,
// sequentially.
package convert

import (
	"errors"
	"fmt"

	resampler "github.com/tphakala/go-audio-resampler"

	"github.com/petems/tcb/internal/audio"
)

// Quality is the filter preset for every resampling converter.
const Quality = resampler.QualityMedium

const (
	// primeBlock is the chunk of silence fed to a new resampler until its
	// filters are full.
	primeBlock = 1024
	// outputSlack is the silence queued ahead of the first resampled frame.
	// It absorbs the resampler's rounding against the output clock.
	outputSlack = 8
)

var (
	ErrDestinationTooSmall = errors.New("destination buffer too small")
	ErrInconsistentInput   = errors.New("input does not match frame count")
	ErrUnsupportedFormat   = errors.New("unsupported format")
)

// ConversionError reports a failed conversion of one batch.
type ConversionError struct {
	Source audio.Format
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %v: %v", e.Source, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Converter converts from a fixed native format to a mono float32 stream at
// the target rate (audio.Canonical unless built with NewTo).
type Converter struct {
	src     audio.Format
	dstRate int

	rs *resampler.SimpleResamplerFloat32
	// acc is the output clock remainder, in 1/src.SampleRate output frames.
	acc int64
	// pending holds resampled frames not handed out yet.
	pending []float32

	decoded []float32
	mono    []float32
}

// New creates a converter from src to the canonical format.
func New(src audio.Format) (*Converter, error) {
	return NewTo(src, audio.Canonical.SampleRate)
}

// NewTo creates a converter from src to mono float32 at dstRate.
func NewTo(src audio.Format, dstRate int) (*Converter, error) {
	if err := src.Validate(); err != nil {
		return nil, &ConversionError{Source: src, Err: fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)}
	}
	if dstRate <= 0 {
		return nil, &ConversionError{Source: src, Err: fmt.Errorf("%w: target rate %d", ErrUnsupportedFormat, dstRate)}
	}
	c := &Converter{src: src, dstRate: dstRate}
	if c.Passthrough() {
		return c, nil
	}

	rs, err := resampler.NewEngineFloat32(float64(src.SampleRate), float64(dstRate), Quality)
	if err != nil {
		return nil, &ConversionError{Source: src, Err: fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)}
	}
	if err := prime(rs, src.SampleRate); err != nil {
		return nil, &ConversionError{Source: src, Err: err}
	}
	c.rs = rs
	c.pending = make([]float32, outputSlack, 4096)
	return c, nil
}

// prime fills the resampler's filters with silence, so that from the first
// real frame on its output keeps pace with its input.
func prime(rs *resampler.SimpleResamplerFloat32, rate int) error {
	silence := make([]float32, primeBlock)
	for fed := 0; fed < rate; fed += primeBlock {
		out, err := rs.Process(silence)
		if err != nil {
			return fmt.Errorf("prime resampler: %w", err)
		}
		if len(out) > 0 {
			return nil
		}
	}
	return errors.New("prime resampler: no output after one second of input")
}

// Source returns the native format this converter accepts.
func (c *Converter) Source() audio.Format { return c.src }

// Passthrough reports whether the source is already at the target rate, in
// which case no resampling state is involved.
func (c *Converter) Passthrough() bool { return c.src.SampleRate == c.dstRate }

// ExpectedOutputFrameCount returns how many frames Convert will produce for
// inputFrames frames given the current output clock.
func (c *Converter) ExpectedOutputFrameCount(inputFrames int) int {
	if inputFrames <= 0 {
		return 0
	}
	if c.Passthrough() {
		return inputFrames
	}
	return int((c.acc + int64(inputFrames)*int64(c.dstRate)) / int64(c.src.SampleRate))
}

// Convert converts inputFrames native frames from in into out and returns
// the number of frames produced. out must hold at least
// ExpectedOutputFrameCount(inputFrames) samples. A rejected call leaves the
// converter untouched.
func (c *Converter) Convert(in []byte, inputFrames int, out []float32) (int, error) {
	if inputFrames < 0 || len(in) < inputFrames*c.src.BytesPerFrame() {
		return 0, &ConversionError{Source: c.src, Err: fmt.Errorf("%w: %d bytes for %d frames", ErrInconsistentInput, len(in), inputFrames)}
	}
	if want := c.ExpectedOutputFrameCount(inputFrames); len(out) < want {
		return 0, &ConversionError{Source: c.src, Err: fmt.Errorf("%w: need %d frames, have %d", ErrDestinationTooSmall, want, len(out))}
	}
	if inputFrames == 0 {
		return 0, nil
	}

	samples := inputFrames * c.src.Channels
	c.decoded = grow(c.decoded, samples)
	audio.Decode(c.decoded, in, c.src.Sample)

	return c.process(c.decoded, inputFrames, out)
}

// ConvertFloat is Convert for input that is already decoded to normalized
// float32, interleaved with the source channel count.
func (c *Converter) ConvertFloat(in []float32, inputFrames int, out []float32) (int, error) {
	if inputFrames < 0 || len(in) < inputFrames*c.src.Channels {
		return 0, &ConversionError{Source: c.src, Err: fmt.Errorf("%w: %d samples for %d frames", ErrInconsistentInput, len(in), inputFrames)}
	}
	if want := c.ExpectedOutputFrameCount(inputFrames); len(out) < want {
		return 0, &ConversionError{Source: c.src, Err: fmt.Errorf("%w: need %d frames, have %d", ErrDestinationTooSmall, want, len(out))}
	}
	if inputFrames == 0 {
		return 0, nil
	}
	return c.process(in, inputFrames, out)
}

func (c *Converter) process(interleaved []float32, frames int, out []float32) (int, error) {
	mono := interleaved[:frames]
	if c.src.Channels > 1 {
		c.mono = grow(c.mono, frames)
		mono = c.mono
		downmix(mono, interleaved, c.src.Channels, frames)
	}

	if c.Passthrough() {
		return copy(out, mono), nil
	}
	return c.resample(mono, out)
}

// resample runs the filter over in and hands out exactly as many frames as
// the output clock advanced. Frames the filter produced early stay pending;
// if it ever falls behind, the gap is filled with silence.
func (c *Converter) resample(in []float32, out []float32) (int, error) {
	want := c.ExpectedOutputFrameCount(len(in))
	res, err := c.rs.Process(in)
	if err != nil {
		return 0, &ConversionError{Source: c.src, Err: err}
	}
	c.acc = (c.acc + int64(len(in))*int64(c.dstRate)) % int64(c.src.SampleRate)
	c.pending = append(c.pending, res...)

	n := copy(out[:want], c.pending)
	clear(out[n:want])
	c.pending = c.pending[:copy(c.pending, c.pending[n:])]
	return want, nil
}

// downmix averages all channels of each frame.
func downmix(dst, src []float32, channels, frames int) {
	scale := 1 / float32(channels)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += src[i*channels+ch]
		}
		dst[i] = sum * scale
	}
}

func grow(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}
