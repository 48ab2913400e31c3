package ringbuf

// ReadLease is a scoped read acquisition. It is always released with
// Release, typically deferred right after LeaseRead, which commits the
// leased frames on every exit path.
//
//	lease := ring.LeaseRead(n)
//	defer lease.Release()
type ReadLease struct {
	ring     *Ring
	Data     []byte
	Frames   int
	released bool
}

// LeaseRead acquires up to maxFrames frames for reading.
func (r *Ring) LeaseRead(maxFrames int) *ReadLease {
	data, n := r.AcquireRead(maxFrames)
	return &ReadLease{ring: r, Data: data, Frames: n}
}

// Truncate shrinks the lease to at most frames frames. Only the truncated
// count is committed on Release; the rest stays queued.
func (l *ReadLease) Truncate(frames int) {
	if frames < 0 {
		frames = 0
	}
	if frames < l.Frames {
		l.Frames = frames
		l.Data = l.Data[:frames*l.ring.frameSize]
	}
}

// Release commits the leased frames. It is idempotent.
func (l *ReadLease) Release() error {
	if l.released {
		return nil
	}
	l.released = true
	return l.ring.CommitRead(l.Frames)
}
