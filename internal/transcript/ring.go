package transcript

import "sync"

// ring is a fixed-capacity FIFO of entries for one engine. When full, the
// oldest entry is overwritten.
type ring struct {
	mu      sync.RWMutex
	buf     []Entry
	head    int // index of the oldest entry
	size    int
	evicted uint64
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Entry, capacity)}
}

// push must be called with mu held.
func (r *ring) push(e Entry) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = e
		r.size++
		return
	}
	r.buf[r.head] = e
	r.head = (r.head + 1) % len(r.buf)
	r.evicted++
}

// at returns the i-th oldest entry. Caller holds mu.
func (r *ring) at(i int) Entry {
	return r.buf[(r.head+i)%len(r.buf)]
}

// last returns up to n of the newest entries, oldest first.
func (r *ring) last(n int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = r.at(r.size - n + i)
	}
	return out
}

// after returns entries with Seq greater than seq, oldest first.
func (r *ring) after(seq uint64) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Seq increases along the ring, so scan back from the newest entry.
	start := r.size
	for start > 0 && r.at(start-1).Seq > seq {
		start--
	}
	out := make([]Entry, r.size-start)
	for i := range out {
		out[i] = r.at(start + i)
	}
	return out
}

func (r *ring) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *ring) evictedCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evicted
}
