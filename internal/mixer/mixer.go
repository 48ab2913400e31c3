// Package mixer drains two capture ring buffers in lock-step, converts each
// side to the canonical format, mixes them sample for sample and forwards
// the result to a sink.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/tcb/internal/audio"
	"github.com/petems/tcb/internal/convert"
	"github.com/petems/tcb/internal/observe"
	"github.com/petems/tcb/internal/ringbuf"
)

// DefaultPollInterval is the idle sleep between iterations that found no
// data on one of the buffers.
const DefaultPollInterval = 20 * time.Millisecond

// Mix writes clamp(a[i]+b[i], -1, 1) into dst for every index present in
// all three slices and returns that count. A NaN sum is written as silence.
func Mix(dst, a, b []float32) int {
	n := min(len(dst), len(a), len(b))
	for i := 0; i < n; i++ {
		v := a[i] + b[i]
		if v != v {
			v = 0
		}
		dst[i] = max(-1, min(1, v))
	}
	return n
}

// Converter is the per-source conversion step; *convert.Converter
// implements it.
type Converter interface {
	Source() audio.Format
	ExpectedOutputFrameCount(inputFrames int) int
	Convert(in []byte, inputFrames int, out []float32) (int, error)
}

var _ Converter = (*convert.Converter)(nil)

// Channel is one side of the mix: the consumer end of a source's ring
// buffer and the converter that belongs to it.
type Channel struct {
	Name      string
	Buffer    *ringbuf.Ring
	Converter Converter
	// Faults, when set, reports the producer's callback fault count and the
	// frames it dropped without reaching the ring. It must be safe to call
	// from the drainer's goroutine.
	Faults func() (faults, dropped uint64)
}

// Sink receives mixed canonical frames. Write is only called from the
// drainer's goroutine.
type Sink interface {
	Write(samples []float32) (int, error)
}

// Config configures a Drainer.
type Config struct {
	Primary   Channel
	Secondary Channel
	Sink      Sink

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	Logger       zerolog.Logger
	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Drainer is the single consumer of both ring buffers. Step and Run must
// not be called concurrently; Stats may be called from any goroutine.
type Drainer struct {
	chans    [2]Channel
	sink     Sink
	interval time.Duration
	log      zerolog.Logger
	metrics  *observe.Metrics

	converted [2][]float32
	mixed     []float32

	// Last counters reported to metrics, per channel.
	reported       [2]ringbuf.Stats
	reportedFaults [2][2]uint64

	iterations       atomic.Uint64
	nativeFrames     atomic.Uint64
	mixedFrames      atomic.Uint64
	writtenFrames    atomic.Uint64
	conversionErrors atomic.Uint64
	encodeErrors     atomic.Uint64
	bufferFaults     atomic.Uint64
}

// New validates cfg and creates a Drainer.
func New(cfg Config) (*Drainer, error) {
	for _, ch := range []Channel{cfg.Primary, cfg.Secondary} {
		if ch.Buffer == nil || ch.Converter == nil {
			return nil, fmt.Errorf("mixer: channel %q needs a buffer and a converter", ch.Name)
		}
		if ch.Buffer.FrameSize() != ch.Converter.Source().BytesPerFrame() {
			return nil, fmt.Errorf("mixer: channel %q frame size %d does not match %v",
				ch.Name, ch.Buffer.FrameSize(), ch.Converter.Source())
		}
	}
	if cfg.Sink == nil {
		return nil, errors.New("mixer: sink is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Drainer{
		chans:    [2]Channel{cfg.Primary, cfg.Secondary},
		sink:     cfg.Sink,
		interval: cfg.PollInterval,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Result describes one iteration.
type Result struct {
	// Native is the number of native frames committed on each buffer.
	Native int
	// Converted holds the canonical frame count produced per channel.
	Converted [2]int
	// Mixed is min(Converted[0], Converted[1]).
	Mixed int
	// Written is the number of frames the sink accepted.
	Written int
}

// Step runs one drain iteration. A zero Result with a nil error means one
// of the buffers was empty. Whatever happens, every native frame acquired
// is committed before Step returns, so an error only loses that batch.
func (d *Drainer) Step(ctx context.Context) (res Result, err error) {
	a, b := d.chans[0], d.chans[1]
	n := min(a.Buffer.AvailableRead(), b.Buffer.AvailableRead())
	if n == 0 {
		return Result{}, nil
	}

	leases := [2]*ringbuf.ReadLease{a.Buffer.LeaseRead(n), b.Buffer.LeaseRead(n)}
	defer func() {
		for _, l := range leases {
			if rerr := l.Release(); rerr != nil {
				d.bufferFaults.Add(1)
				d.metrics.RecordFault(ctx, observe.FaultBuffer)
				err = errors.Join(err, rerr)
			}
		}
	}()

	// A grant can be short when one buffer wraps; both sides advance by the
	// same count so the streams stay aligned.
	grant := min(leases[0].Frames, leases[1].Frames)
	for _, l := range leases {
		l.Truncate(grant)
	}
	res.Native = grant
	d.nativeFrames.Add(uint64(grant))

	for i, ch := range d.chans {
		want := ch.Converter.ExpectedOutputFrameCount(grant)
		d.converted[i] = grow(d.converted[i], want)
		got, cerr := ch.Converter.Convert(leases[i].Data, grant, d.converted[i])
		if cerr != nil {
			d.conversionErrors.Add(1)
			d.metrics.RecordFault(ctx, observe.FaultConversion)
			return res, fmt.Errorf("%s: %w", ch.Name, cerr)
		}
		res.Converted[i] = got
	}

	m := min(res.Converted[0], res.Converted[1])
	d.mixed = grow(d.mixed, m)
	res.Mixed = Mix(d.mixed, d.converted[0][:m], d.converted[1][:m])
	d.mixedFrames.Add(uint64(res.Mixed))
	d.metrics.FramesMixed.Add(ctx, int64(res.Mixed))

	if res.Mixed > 0 {
		w, werr := d.sink.Write(d.mixed[:res.Mixed])
		res.Written = w
		d.writtenFrames.Add(uint64(w))
		d.metrics.FramesWritten.Add(ctx, int64(w))
		if werr != nil {
			d.encodeErrors.Add(1)
			d.metrics.RecordFault(ctx, observe.FaultEncode)
			return res, werr
		}
	}

	d.iterations.Add(1)
	d.metrics.DrainIterations.Add(ctx, 1)
	return res, nil
}

// Run drains until ctx is cancelled, sleeping PollInterval whenever a
// buffer is empty. Cancellation is only observed between iterations. After
// cancellation Run drains what both buffers held at that moment, then
// returns nil.
func (d *Drainer) Run(ctx context.Context) error {
	d.log.Debug().Dur("poll_interval", d.interval).Msg("Drain loop started")

	timer := time.NewTimer(d.interval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			d.finalDrain(ctx)
			return nil
		}

		res, err := d.Step(ctx)
		if err != nil {
			d.log.Warn().Err(err).Int("frames", res.Native).Msg("Drain iteration dropped a batch")
		}
		d.reportSources(ctx)
		if res.Native > 0 {
			continue
		}

		timer.Reset(d.interval)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}

// finalDrain processes the frames queued when the loop was cancelled. The
// bound keeps a still-running producer from extending it forever.
func (d *Drainer) finalDrain(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	budget := min(d.chans[0].Buffer.AvailableRead(), d.chans[1].Buffer.AvailableRead())
	drained := 0
	for drained < budget {
		res, err := d.Step(ctx)
		if err != nil {
			d.log.Warn().Err(err).Int("frames", res.Native).Msg("Final drain dropped a batch")
		}
		if res.Native == 0 {
			break
		}
		drained += res.Native
	}
	d.reportSources(ctx)

	var leftover [2]int
	for i, ch := range d.chans {
		leftover[i] = ch.Buffer.AvailableRead()
	}
	d.log.Debug().
		Int("frames", drained).
		Ints("unpaired_frames", leftover[:]).
		Msg("Drain loop stopped")
}

// reportSources publishes ring and callback counter deltas and warns when
// a source lost frames since the last report.
func (d *Drainer) reportSources(ctx context.Context) {
	for i, ch := range d.chans {
		d.reportRing(ctx, i, ch)
		if ch.Faults != nil {
			d.reportCallback(ctx, i, ch)
		}
	}
}

func (d *Drainer) reportRing(ctx context.Context, i int, ch Channel) {
	st := ch.Buffer.Stats()
	prev := d.reported[i]
	captured := int64(st.Written - prev.Written)
	dropped := int64(st.Dropped - prev.Dropped)
	if captured == 0 && dropped == 0 {
		return
	}
	d.metrics.RecordSourceFrames(ctx, ch.Name, captured, dropped)
	if dropped > 0 {
		d.log.Warn().
			Str("source", ch.Name).
			Int64("dropped", dropped).
			Uint64("dropped_total", st.Dropped).
			Msg("Ring buffer overflow, frames dropped")
	}
	d.reported[i] = st
}

func (d *Drainer) reportCallback(ctx context.Context, i int, ch Channel) {
	faults, dropped := ch.Faults()
	prev := d.reportedFaults[i]
	newFaults := int64(faults - prev[0])
	newDropped := int64(dropped - prev[1])
	if newFaults == 0 && newDropped == 0 {
		return
	}
	d.reportedFaults[i] = [2]uint64{faults, dropped}

	d.metrics.RecordFaults(ctx, observe.FaultCallback, newFaults)
	d.metrics.RecordSourceFrames(ctx, ch.Name, 0, newDropped)
	d.log.Warn().
		Str("source", ch.Name).
		Int64("faults", newFaults).
		Int64("dropped", newDropped).
		Uint64("faults_total", faults).
		Msg("Capture callback faulted, frames dropped")
}

// Stats is a snapshot of the drainer's counters.
type Stats struct {
	Iterations       uint64
	NativeFrames     uint64 // per channel
	MixedFrames      uint64
	WrittenFrames    uint64
	ConversionErrors uint64
	EncodeErrors     uint64
	BufferFaults     uint64
}

// Stats returns the current counters.
func (d *Drainer) Stats() Stats {
	return Stats{
		Iterations:       d.iterations.Load(),
		NativeFrames:     d.nativeFrames.Load(),
		MixedFrames:      d.mixedFrames.Load(),
		WrittenFrames:    d.writtenFrames.Load(),
		ConversionErrors: d.conversionErrors.Load(),
		EncodeErrors:     d.encodeErrors.Load(),
		BufferFaults:     d.bufferFaults.Load(),
	}
}

func grow(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}
