package replication

import (
	"fmt"

	"github.com/dd0wney/cluso-kv/pkg/engine"
)

// Entry is one replicated write.
type Entry struct {
	Offset  uint64         `json:"offset"`
	Command engine.Command `json:"command"`
}

// Backlog is a bounded ring of the most recent entries, keyed by offset.
// It is not safe for concurrent use; Stream serializes access.
type Backlog struct {
	ring  []Entry
	head  int // index of the oldest entry
	count int
	last  uint64
}

// NewBacklog creates an empty backlog holding up to capacity entries whose
// next offset will be base+1.
func NewBacklog(capacity int, base uint64) *Backlog {
	if capacity < 1 {
		capacity = 1
	}
	return &Backlog{ring: make([]Entry, capacity), last: base}
}

// Append adds e, evicting the oldest entry when full. e.Offset must be
// exactly one past the last offset.
func (b *Backlog) Append(e Entry) error {
	if e.Offset != b.last+1 {
		return fmt.Errorf("%w: backlog at %d, entry %d", ErrOffsetGap, b.last, e.Offset)
	}
	if b.count == len(b.ring) {
		b.ring[b.head] = e
		b.head = (b.head + 1) % len(b.ring)
	} else {
		b.ring[(b.head+b.count)%len(b.ring)] = e
		b.count++
	}
	b.last = e.Offset
	return nil
}

// First returns the offset of the oldest retained entry. For an empty
// backlog this is Last()+1.
func (b *Backlog) First() uint64 {
	return b.last - uint64(b.count) + 1
}

// Last is the offset of the newest entry appended.
func (b *Backlog) Last() uint64 { return b.last }
func (b *Backlog) Len() int     { return b.count }
func (b *Backlog) Cap() int     { return len(b.ring) }

// Covers reports whether every entry after offset is retained.
func (b *Backlog) Covers(offset uint64) bool {
	return offset+1 >= b.First() && offset <= b.last
}

// Since returns the entries after offset in order, or false when some of
// them have been evicted or offset is ahead of the backlog.
func (b *Backlog) Since(offset uint64) ([]Entry, bool) {
	if !b.Covers(offset) {
		return nil, false
	}
	n := int(b.last - offset)
	out := make([]Entry, n)
	skip := b.count - n
	for i := 0; i < n; i++ {
		out[i] = b.ring[(b.head+skip+i)%len(b.ring)]
	}
	return out, true
}

// Reset drops every entry and rebases the backlog at base.
func (b *Backlog) Reset(base uint64) {
	clear(b.ring)
	b.head, b.count, b.last = 0, 0, base
}
