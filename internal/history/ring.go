package history

// ring is a fixed-capacity circular buffer of entries.
// Not safe for concurrent use; Store serializes access.
type ring struct {
	entries []Entry
	head    int  // next write position
	full    bool // whether we've wrapped around
}

func newRing(capacity int) *ring {
	return &ring{entries: make([]Entry, capacity)}
}

// add appends an entry, overwriting the oldest once the ring is full.
func (r *ring) add(e Entry) {
	r.entries[r.head] = e
	r.head = (r.head + 1) % len(r.entries)
	if r.head == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.entries)
	}
	return r.head
}

// snapshot returns the entries oldest first in a freshly allocated slice.
func (r *ring) snapshot() []Entry {
	n := r.len()
	out := make([]Entry, n)
	start := 0
	if r.full {
		start = r.head
	}
	for i := 0; i < n; i++ {
		out[i] = r.entries[(start+i)%len(r.entries)]
	}
	return out
}

// resized returns a new ring of the given capacity holding the most recent
// entries of r that fit.
func (r *ring) resized(capacity int) *ring {
	nr := newRing(capacity)
	entries := r.snapshot()
	if len(entries) > capacity {
		entries = entries[len(entries)-capacity:]
	}
	for _, e := range entries {
		nr.add(e)
	}
	return nr
}
