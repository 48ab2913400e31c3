package convert

import (
	"errors"
	"math"
	"testing"

	"github.com/petems/tcb/internal/audio"
)

func encode(t *testing.T, f audio.Format, samples []float32) []byte {
	t.Helper()
	raw := make([]byte, len(samples)*f.Sample.BytesPerSample())
	audio.Encode(raw, samples, f.Sample)
	return raw
}

func TestIdentityConversion(t *testing.T) {
	c, err := New(audio.Canonical)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := make([]float32, 1600)
	for i := range in {
		in[i] = float32(math.Sin(float64(i) * 0.05))
	}
	in[0], in[1] = 1, -1

	out := make([]float32, c.ExpectedOutputFrameCount(len(in)))
	n, err := c.Convert(encode(t, audio.Canonical, in), len(in), out)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if n != len(in) {
		t.Fatalf("produced %d frames, want %d", n, len(in))
	}
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1e-7 {
			t.Fatalf("sample %d: got %v, want %v", i, out[i], in[i])
		}
	}
}

func TestStereoDownmixAverages(t *testing.T) {
	src := audio.Format{Sample: audio.SampleF32, Channels: 2, SampleRate: 16000}
	c, err := New(src)
	if err != nil {
		t.Fatal(err)
	}
	in := []float32{
		0.0, 1.0,
		0.5, 0.5,
		1.0, 0.0,
		-0.5, 0.5,
	}
	out := make([]float32, 4)
	n, err := c.Convert(encode(t, src, in), 4, out)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{0.5, 0.5, 0.5, 0}
	if n != len(want) {
		t.Fatalf("produced %d, want %d", n, len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("frame %d: got %v, want %v", i, out[i], want[i])
		}
	}
}

func TestResampleOutputCountTracksRate(t *testing.T) {
	src := audio.Format{Sample: audio.SampleS16, Channels: 2, SampleRate: 44100}
	c, err := New(src)
	if err != nil {
		t.Fatal(err)
	}

	chunk := make([]byte, 441*src.BytesPerFrame())
	total := 0
	for i := 0; i < 100; i++ { // one second in 10ms chunks
		out := make([]float32, c.ExpectedOutputFrameCount(441))
		n, err := c.Convert(chunk, 441, out)
		if err != nil {
			t.Fatal(err)
		}
		if n != len(out) {
			t.Fatalf("chunk %d: produced %d, expected %d", i, n, len(out))
		}
		total += n
	}
	if total < 15999 || total > 16000 {
		t.Fatalf("one second at 44.1kHz produced %d frames, want ~16000", total)
	}
}

func TestChunkedConversionMatchesSingleShot(t *testing.T) {
	src := audio.Format{Sample: audio.SampleF32, Channels: 1, SampleRate: 48000}
	in := make([]float32, 4800)
	for i := range in {
		in[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 48000))
	}
	raw := encode(t, src, in)

	whole, _ := New(src)
	want := make([]float32, whole.ExpectedOutputFrameCount(len(in)))
	n, err := whole.Convert(raw, len(in), want)
	if err != nil {
		t.Fatal(err)
	}
	want = want[:n]

	chunked, _ := New(src)
	var got []float32
	for off := 0; off < len(in); {
		size := min(37+off%101, len(in)-off)
		out := make([]float32, chunked.ExpectedOutputFrameCount(size))
		n, err := chunked.Convert(raw[off*4:(off+size)*4], size, out)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, out[:n]...)
		off += size
	}

	if len(got) != len(want) {
		t.Fatalf("chunked produced %d frames, single shot %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Fatalf("frame %d: chunked %v, single shot %v", i, got[i], want[i])
		}
	}
}

func TestConvertUndersizedDestination(t *testing.T) {
	src := audio.Format{Sample: audio.SampleS16, Channels: 1, SampleRate: 44100}
	c, _ := New(src)
	raw := make([]byte, 441*2)
	expected := c.ExpectedOutputFrameCount(441)

	_, err := c.Convert(raw, 441, make([]float32, expected-1))
	var convErr *ConversionError
	if !errors.As(err, &convErr) || !errors.Is(err, ErrDestinationTooSmall) {
		t.Fatalf("got %v, want ErrDestinationTooSmall", err)
	}
	if got := c.ExpectedOutputFrameCount(441); got != expected {
		t.Fatalf("failed conversion changed state: expected count %d -> %d", expected, got)
	}
}

func TestConvertInconsistentInput(t *testing.T) {
	c, _ := New(audio.Format{Sample: audio.SampleS16, Channels: 2, SampleRate: 16000})
	_, err := c.Convert(make([]byte, 10), 4, make([]float32, 4))
	if !errors.Is(err, ErrInconsistentInput) {
		t.Fatalf("got %v, want ErrInconsistentInput", err)
	}
}

func TestNewRejectsUnsupportedFormat(t *testing.T) {
	_, err := New(audio.Format{Sample: audio.SampleUnknown, Channels: 1, SampleRate: 16000})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("got %v, want ErrUnsupportedFormat", err)
	}
}

// toneRMS converts one second of a sine at freq Hz through c in 10ms chunks
// and returns the RMS of the output after the first 100ms.
func toneRMS(t *testing.T, c *Converter, freq float64) float64 {
	t.Helper()
	src := c.Source()
	chunk := src.SampleRate / 100
	in := make([]float32, chunk)
	var out []float32
	for off := 0; off < src.SampleRate; off += chunk {
		for i := range in {
			in[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(off+i)/float64(src.SampleRate)))
		}
		buf := make([]float32, c.ExpectedOutputFrameCount(chunk))
		n, err := c.ConvertFloat(in, chunk, buf)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, buf[:n]...)
	}

	settled := out[len(out)/10:]
	var sum float64
	for _, v := range settled {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(settled)))
}

func TestResampleRejectsAboveOutputNyquist(t *testing.T) {
	c, err := New(audio.Format{Sample: audio.SampleF32, Channels: 1, SampleRate: 44100})
	if err != nil {
		t.Fatal(err)
	}
	inRMS := 0.5 / math.Sqrt2
	got := toneRMS(t, c, 12000)
	if db := 20 * math.Log10(got/inRMS); db > -40 {
		t.Fatalf("12kHz tone came out at %.1f dB (RMS %.4f), want below -40 dB", db, got)
	}
}

func TestResampleKeepsSpeechBand(t *testing.T) {
	for _, rate := range []int{44100, 48000, 8000} {
		c, err := New(audio.Format{Sample: audio.SampleF32, Channels: 1, SampleRate: rate})
		if err != nil {
			t.Fatal(err)
		}
		inRMS := 0.5 / math.Sqrt2
		if got := toneRMS(t, c, 1000); math.Abs(got-inRMS) > 0.05*inRMS {
			t.Errorf("%d Hz: 1kHz tone RMS %.4f, want %.4f", rate, got, inRMS)
		}
	}
}
