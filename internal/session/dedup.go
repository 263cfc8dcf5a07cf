package session

import (
	"crypto/sha256"
)

// Deduplicator remembers the SHA-256 digest of every raw upload a session has
// seen, so byte-identical resends are dropped before any decoding work.
//
// A Deduplicator belongs to exactly one session worker and is not safe for
// concurrent use.
type Deduplicator struct {
	capacity int
	seen     map[[sha256.Size]byte]struct{}
	order    [][sha256.Size]byte
}

// NewDeduplicator returns a Deduplicator that keeps at most capacity digests,
// forgetting the oldest first. capacity <= 0 means unbounded.
func NewDeduplicator(capacity int) *Deduplicator {
	return &Deduplicator{
		capacity: capacity,
		seen:     make(map[[sha256.Size]byte]struct{}),
	}
}

// Seen reports whether payload was already registered. A new payload is
// registered and reported as unseen; a known one leaves the set untouched.
func (d *Deduplicator) Seen(payload []byte) bool {
	sum := sha256.Sum256(payload)
	if _, ok := d.seen[sum]; ok {
		return true
	}
	if d.capacity > 0 && len(d.order) >= d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[sum] = struct{}{}
	d.order = append(d.order, sum)
	return false
}

// Len returns the number of remembered digests.
func (d *Deduplicator) Len() int { return len(d.seen) }
