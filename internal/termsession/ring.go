package termsession

import "sync"

// bytesPerLine approximates a terminal line for sizing the ring from a
// "lines" capacity.
const bytesPerLine = 120

// Ring is a fixed-capacity ring buffer of raw output bytes that additionally
// tracks the true cumulative byte offset of the stream it samples, so
// callers can resume from "since offset N" even though old bytes have been
// evicted from the window. It also exposes a Notify channel so readers can
// block for the next write instead of polling.
type Ring struct {
	mu   sync.Mutex
	data []byte
	size int
	pos  int
	full bool

	total    int64 // total bytes ever written (monotonic stream offset)
	closed   bool
	notifyCh chan struct{}
}

// NewRing creates a ring sized to hold approximately lines of terminal
// output (minimum 1024 bytes).
func NewRing(lines int) *Ring {
	size := lines * bytesPerLine
	if size < 1024 {
		size = 1024
	}
	return &Ring{
		data:     make([]byte, size),
		size:     size,
		notifyCh: make(chan struct{}),
	}
}

// Write appends p to the ring, overwriting the oldest bytes once the window
// is full, and wakes any goroutine waiting on Notify.
func (r *Ring) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total += int64(len(p))
	for len(p) > 0 {
		n := copy(r.data[r.pos:], p)
		r.pos += n
		p = p[n:]
		if r.pos >= r.size {
			r.pos = 0
			r.full = true
		}
	}
	r.wake()
}

// wake must be called with mu held; it replaces notifyCh so waiters blocked
// on the old one observe the close and re-check state.
func (r *Ring) wake() {
	close(r.notifyCh)
	r.notifyCh = make(chan struct{})
}

// Notify returns a channel that is closed the next time new data is
// written (or the ring is closed). Callers should re-fetch Notify() after
// each wake, since the channel is replaced on every write.
func (r *Ring) Notify() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notifyCh
}

// Close marks the ring closed (the producing session has ended) and wakes
// any waiters so they can observe IsClosed and stop.
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.wake()
}

// IsClosed reports whether the ring's producer has finished.
func (r *Ring) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// windowLen returns how many bytes are currently held in the ring. Caller
// must hold mu.
func (r *Ring) windowLen() int {
	if r.full {
		return r.size
	}
	return r.pos
}

// startOffset returns the true stream offset of the oldest byte currently
// held in the ring. Caller must hold mu.
func (r *Ring) startOffset() int64 {
	return r.total - int64(r.windowLen())
}

// bytesLocked reconstructs the ring's contents in chronological order.
// Caller must hold mu.
func (r *Ring) bytesLocked() []byte {
	if !r.full {
		out := make([]byte, r.pos)
		copy(out, r.data[:r.pos])
		return out
	}
	out := make([]byte, r.size)
	copy(out, r.data[r.pos:])
	copy(out[r.size-r.pos:], r.data[:r.pos])
	return out
}

// Snapshot returns a copy of everything currently held in the ring, in
// chronological order.
func (r *Ring) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesLocked()
}

// Len returns the number of bytes currently held in the ring window (not
// the true cumulative stream length — see TotalWritten).
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.windowLen()
}

// TotalWritten returns the true cumulative number of bytes ever written to
// the stream this ring samples.
func (r *Ring) TotalWritten() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// SinceOffset returns the bytes produced since the given global stream
// offset, plus the offset that should be passed on the next call. If offset
// is older than what the ring currently retains, the entire retained window
// is returned (best-effort replay; see Non-goals on durable replay).
func (r *Ring) SinceOffset(offset int64) ([]byte, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.startOffset()
	if offset < start {
		offset = start
	}
	if offset >= r.total {
		return nil, r.total
	}
	all := r.bytesLocked()
	skip := offset - start
	return all[skip:], r.total
}
