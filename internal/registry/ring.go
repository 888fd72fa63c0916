package registry

import "github.com/restreamkit/restream-server/internal/domain/stream"

// entryRing is a fixed-capacity circular buffer of log entries with O(1)
// append. Oldest entries are overwritten once the ring is full. Not
// self-locking; MemoryLogStore serializes access.
type entryRing struct {
	entries []stream.LogEntry
	head    int // next write position
	size    int
	full    bool
}

func newEntryRing(capacity int) *entryRing {
	return &entryRing{entries: make([]stream.LogEntry, capacity)}
}

// append adds an entry, overwriting the oldest when full.
func (r *entryRing) append(e stream.LogEntry) {
	capN := len(r.entries)

	r.entries[r.head] = e
	r.head = (r.head + 1) % capN

	if r.full {
		return
	}
	r.size++
	if r.size == capN {
		r.full = true
	}
}

// tail returns up to n of the most recent entries in append order
// (oldest → newest). n <= 0 or n > capacity returns everything retained.
func (r *entryRing) tail(n int) []stream.LogEntry {
	capN := len(r.entries)
	if r.size == 0 {
		return nil
	}
	if n <= 0 || n > capN {
		n = capN
	}
	if n > r.size {
		n = r.size
	}

	// newest index is one behind head once the ring has wrapped
	var newest int
	if r.full {
		newest = (r.head - 1 + capN) % capN
	} else {
		newest = r.size - 1
	}

	out := make([]stream.LogEntry, n)
	for i := 0; i < n; i++ {
		idx := (newest - (n - 1 - i) + capN) % capN
		out[i] = r.entries[idx]
	}
	return out
}
