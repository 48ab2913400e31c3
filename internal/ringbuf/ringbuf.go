// Package ringbuf implements a fixed-capacity single-producer/single-consumer
// queue of raw PCM frames.
//
// The producer (a hardware capture callback) and the consumer (the drain
// loop) each own one cursor. Cursors are monotonically increasing frame
// counters published through atomics, so neither side takes a lock and the
// producer never blocks: when the buffer is full, newly delivered frames are
// dropped and counted.
package ringbuf

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// DefaultCapacity is the capacity, in frames, used when none is configured.
const DefaultCapacity = 16384

// ErrBufferFault is returned when an acquire/commit pair does not match, e.g.
// committing more frames than were acquired.
var ErrBufferFault = errors.New("ringbuf: buffer fault")

// Ring is a SPSC frame queue. At most one goroutine (or callback thread) may
// use the write side and at most one the read side at a time.
type Ring struct {
	buf       []byte
	frameSize int
	capacity  int

	// Monotonic frame counters. w is written only by the producer, r only by
	// the consumer; w-r is the number of queued frames.
	w atomic.Uint64
	r atomic.Uint64

	dropped atomic.Uint64

	// Pending acquisitions, each owned by its side.
	writeAcquired int
	readAcquired  int
}

// New creates a ring holding capacity frames of frameSize bytes each.
func New(capacity, frameSize int) (*Ring, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ringbuf: capacity must be positive, got %d", capacity)
	}
	if frameSize <= 0 {
		return nil, fmt.Errorf("ringbuf: frame size must be positive, got %d", frameSize)
	}
	return &Ring{
		buf:       make([]byte, capacity*frameSize),
		frameSize: frameSize,
		capacity:  capacity,
	}, nil
}

// Capacity returns the capacity in frames.
func (r *Ring) Capacity() int { return r.capacity }

// FrameSize returns the size of one frame in bytes.
func (r *Ring) FrameSize() int { return r.frameSize }

// AvailableRead returns the number of frames currently queued.
func (r *Ring) AvailableRead() int {
	return int(r.w.Load() - r.r.Load())
}

// AvailableWrite returns the number of free frames.
func (r *Ring) AvailableWrite() int {
	return r.capacity - r.AvailableRead()
}

// AcquireWrite returns a contiguous writable region of up to maxFrames
// frames. The grant may be smaller than requested when the buffer is nearly
// full or the region would cross the end of the storage; a zero grant is not
// an error. Producer side only.
func (r *Ring) AcquireWrite(maxFrames int) ([]byte, int) {
	w := r.w.Load()
	free := r.capacity - int(w-r.r.Load())
	off := int(w % uint64(r.capacity))
	n := min(maxFrames, free, r.capacity-off)
	if n < 0 {
		n = 0
	}
	r.writeAcquired = n
	return r.buf[off*r.frameSize : (off+n)*r.frameSize], n
}

// CommitWrite publishes frames written into the region returned by the last
// AcquireWrite. Producer side only.
func (r *Ring) CommitWrite(frames int) error {
	if frames < 0 || frames > r.writeAcquired {
		acquired := r.writeAcquired
		r.writeAcquired = 0
		return fmt.Errorf("%w: commit write of %d frames, %d acquired", ErrBufferFault, frames, acquired)
	}
	r.writeAcquired = 0
	r.w.Add(uint64(frames))
	return nil
}

// AcquireRead returns a contiguous readable region of up to maxFrames frames.
// As with AcquireWrite, partial grants are normal. Consumer side only.
func (r *Ring) AcquireRead(maxFrames int) ([]byte, int) {
	rd := r.r.Load()
	queued := int(r.w.Load() - rd)
	off := int(rd % uint64(r.capacity))
	n := min(maxFrames, queued, r.capacity-off)
	if n < 0 {
		n = 0
	}
	r.readAcquired = n
	return r.buf[off*r.frameSize : (off+n)*r.frameSize], n
}

// CommitRead releases frames consumed from the region returned by the last
// AcquireRead. Consumer side only.
func (r *Ring) CommitRead(frames int) error {
	if frames < 0 || frames > r.readAcquired {
		acquired := r.readAcquired
		r.readAcquired = 0
		return fmt.Errorf("%w: commit read of %d frames, %d acquired", ErrBufferFault, frames, acquired)
	}
	r.readAcquired = 0
	r.r.Add(uint64(frames))
	return nil
}

// Write copies whole frames from p into the ring, splitting the copy at the
// wrap point. Frames that do not fit are dropped and counted; Write never
// blocks. It returns the number of frames queued. Producer side only.
func (r *Ring) Write(p []byte) int {
	frames := len(p) / r.frameSize
	written := 0
	// At most two contiguous regions: up to the end of storage, then from 0.
	for i := 0; i < 2 && written < frames; i++ {
		region, n := r.AcquireWrite(frames - written)
		if n == 0 {
			break
		}
		copy(region, p[written*r.frameSize:(written+n)*r.frameSize])
		if err := r.CommitWrite(n); err != nil {
			break
		}
		written += n
	}
	if written < frames {
		r.dropped.Add(uint64(frames - written))
	}
	return written
}

// Drop records frames that were delivered but could not be queued at all.
func (r *Ring) Drop(frames int) {
	if frames > 0 {
		r.dropped.Add(uint64(frames))
	}
}

// Stats is a snapshot of the ring's counters.
type Stats struct {
	Written  uint64 // frames ever committed by the producer
	Read     uint64 // frames ever committed by the consumer
	Dropped  uint64 // frames dropped because the ring was full
	Queued   int
	Capacity int
}

// Stats returns a snapshot of the counters. Safe from any goroutine.
func (r *Ring) Stats() Stats {
	rd := r.r.Load()
	w := r.w.Load()
	return Stats{
		Written:  w,
		Read:     rd,
		Dropped:  r.dropped.Load(),
		Queued:   int(w - rd),
		Capacity: r.capacity,
	}
}
