package encoder

import (
	"fmt"
	"math"
	"os"

	"github.com/go-audio/wav"

	"github.com/petems/tcb/internal/audio"
)

// Recording is a decoded WAV file: interleaved samples normalized to
// [-1, 1] and the file's own format.
type Recording struct {
	Format  audio.Format
	Samples []float32
}

// Frames returns the number of frames in the recording.
func (r *Recording) Frames() int {
	if r.Format.Channels == 0 {
		return 0
	}
	return len(r.Samples) / r.Format.Channels
}

// ReadFile decodes a PCM or IEEE-float WAV file.
func ReadFile(path string) (*Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	d.ReadInfo()
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("failed to read wav header of %s: %w", path, err)
	}

	var sample audio.SampleFormat
	switch {
	case d.WavAudioFormat == wavFormatIEEEFloat && d.BitDepth == 32:
		sample = audio.SampleF32
	case d.WavAudioFormat == wavFormatPCM && d.BitDepth == 8:
		sample = audio.SampleU8
	case d.WavAudioFormat == wavFormatPCM && d.BitDepth == 16:
		sample = audio.SampleS16
	case d.WavAudioFormat == wavFormatPCM && d.BitDepth == 24:
		sample = audio.SampleS24
	case d.WavAudioFormat == wavFormatPCM && d.BitDepth == 32:
		sample = audio.SampleS32
	default:
		return nil, fmt.Errorf("unsupported wav encoding in %s: format %d, %d bits", path, d.WavAudioFormat, d.BitDepth)
	}

	format := audio.Format{Sample: sample, Channels: int(d.NumChans), SampleRate: int(d.SampleRate)}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid wav format in %s: %w", path, err)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data of %s: %w", path, err)
	}

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		switch sample {
		case audio.SampleF32:
			samples[i] = math.Float32frombits(uint32(int32(v)))
		case audio.SampleU8:
			samples[i] = (float32(v) - 128) / 128
		case audio.SampleS16:
			samples[i] = float32(v) / 32768
		case audio.SampleS24:
			samples[i] = float32(v) / 8388608
		case audio.SampleS32:
			samples[i] = float32(float64(v) / 2147483648)
		}
	}

	return &Recording{Format: format, Samples: samples}, nil
}
