package eventfeed

import "sync"

// replayRing is a fixed-size circular buffer of recently broadcast
// envelopes. Overwrites the oldest entry when full. A reconnecting client
// gets the whole ring before live traffic resumes.
type replayRing struct {
	mu   sync.RWMutex
	buf  []Envelope
	cap  int
	pos  int // next write position
	full bool
}

func newReplayRing(capacity int) *replayRing {
	if capacity <= 0 {
		capacity = recentBufferSize
	}
	return &replayRing{
		buf: make([]Envelope, capacity),
		cap: capacity,
	}
}

// Push appends an envelope, evicting the oldest when full.
func (r *replayRing) Push(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.pos] = env
	r.pos = (r.pos + 1) % r.cap
	if r.pos == 0 && !r.full {
		r.full = true
	}
}

// All returns the buffered envelopes oldest first.
func (r *replayRing) All() []Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.len()
	out := make([]Envelope, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[r.index(i)]
	}
	return out
}

// Len returns the number of buffered envelopes.
func (r *replayRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.len()
}

func (r *replayRing) len() int {
	if r.full {
		return r.cap
	}
	return r.pos
}

// index converts a logical index (0 = oldest) to a physical one.
func (r *replayRing) index(logical int) int {
	if r.full {
		return (r.pos + logical) % r.cap
	}
	return logical
}
