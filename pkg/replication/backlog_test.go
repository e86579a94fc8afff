package replication

import (
	"errors"
	"testing"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/engine"
)

func setEntry(offset uint64) Entry {
	return Entry{Offset: offset, Command: engine.Command{Op: engine.OpSet, Key: "k", Value: "v"}}
}

func TestBacklogAppendAndEvict(t *testing.T) {
	b := NewBacklog(3, 10)
	if b.First() != 11 || b.Last() != 10 {
		t.Fatalf("empty backlog range = [%d,%d], want [11,10]", b.First(), b.Last())
	}

	for off := uint64(11); off <= 15; off++ {
		if err := b.Append(setEntry(off)); err != nil {
			t.Fatalf("Append(%d): %v", off, err)
		}
	}
	if b.Len() != 3 || b.First() != 13 || b.Last() != 15 {
		t.Fatalf("after evictions len=%d range=[%d,%d], want 3 [13,15]", b.Len(), b.First(), b.Last())
	}

	if err := b.Append(setEntry(17)); !errors.Is(err, ErrOffsetGap) {
		t.Errorf("Append with gap = %v, want ErrOffsetGap", err)
	}
}

func TestBacklogSince(t *testing.T) {
	b := NewBacklog(4, 0)
	for off := uint64(1); off <= 6; off++ {
		b.Append(setEntry(off))
	}
	// Retained: 3..6

	tests := []struct {
		name    string
		offset  uint64
		want    []uint64
		covered bool
	}{
		{"caught up", 6, []uint64{}, true},
		{"one behind", 5, []uint64{6}, true},
		{"oldest boundary", 2, []uint64{3, 4, 5, 6}, true},
		{"evicted", 1, nil, false},
		{"ahead", 7, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := b.Since(tt.offset)
			if ok != tt.covered {
				t.Fatalf("Since(%d) covered = %v, want %v", tt.offset, ok, tt.covered)
			}
			if !ok {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Since(%d) returned %d entries, want %d", tt.offset, len(got), len(tt.want))
			}
			for i, e := range got {
				if e.Offset != tt.want[i] {
					t.Errorf("entry %d offset = %d, want %d", i, e.Offset, tt.want[i])
				}
			}
		})
	}
}

func TestBacklogReset(t *testing.T) {
	b := NewBacklog(2, 0)
	b.Append(setEntry(1))
	b.Append(setEntry(2))
	b.Reset(100)

	if b.Len() != 0 || b.Last() != 100 {
		t.Fatalf("after reset len=%d last=%d", b.Len(), b.Last())
	}
	if !b.Covers(100) || b.Covers(99) {
		t.Error("reset backlog should cover exactly its base")
	}
	if err := b.Append(setEntry(101)); err != nil {
		t.Errorf("Append after reset: %v", err)
	}
}

func TestPositionContinues(t *testing.T) {
	old := Lineage{RunID: "old", Epoch: 1}
	cur := Lineage{RunID: "new", Epoch: 2}
	p := Position{Lineage: cur, Offset: 50, Previous: old, PreviousEnd: 40}

	tests := []struct {
		name    string
		lineage Lineage
		offset  uint64
		want    bool
	}{
		{"same lineage behind", cur, 45, true},
		{"same lineage ahead", cur, 51, false},
		{"previous lineage before fork", old, 40, true},
		{"previous lineage past fork", old, 41, false},
		{"unknown lineage", Lineage{RunID: "other"}, 1, false},
		{"fresh replica", Lineage{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Continues(tt.lineage, tt.offset); got != tt.want {
				t.Errorf("Continues(%v, %d) = %v, want %v", tt.lineage, tt.offset, got, tt.want)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		w *= time.Millisecond
		d := b.Next()
		if d < w*8/10 || d > w*12/10 {
			t.Fatalf("delay %d = %v, want %v ±20%%", i, d, w)
		}
	}
	if b.Attempt() != len(want) {
		t.Errorf("Attempt() = %d, want %d", b.Attempt(), len(want))
	}
	b.Reset()
	if d := b.Next(); d < 80*time.Millisecond || d > 120*time.Millisecond {
		t.Errorf("after Reset Next() = %v, want 100ms ±20%%", d)
	}
}

func TestBackoffJitterSpreads(t *testing.T) {
	seen := map[time.Duration]bool{}
	for i := 0; i < 50; i++ {
		seen[NewBackoff(time.Second, time.Second).Next()] = true
	}
	if len(seen) < 2 {
		t.Errorf("50 first delays were all %v", seen)
	}
}

func TestBackoffTinyDelayHasNoJitter(t *testing.T) {
	b := NewBackoff(1, 10)
	for i, w := range []time.Duration{1, 2, 4} {
		if d := b.Next(); d != w {
			t.Fatalf("delay %d = %v, want %v", i, d, w)
		}
	}
}
