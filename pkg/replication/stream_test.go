package replication

import (
	"errors"
	"maps"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dd0wney/cluso-kv/pkg/engine"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
)

func newTestStream(backlog int) *Stream {
	return NewStream(engine.NewMemoryEngine(), Position{Lineage: NewLineage(1)},
		StreamConfig{BacklogSize: backlog, SubscriberBuffer: 16},
		logging.NewNopLogger(), metrics.NewRegistry())
}

func set(key, value string) engine.Command {
	return engine.Command{Op: engine.OpSet, Key: key, Value: value}
}

func TestStreamApplyAssignsConsecutiveOffsets(t *testing.T) {
	s := newTestStream(100)
	for i := 1; i <= 5; i++ {
		_, off, err := s.Apply(set("k", strconv.Itoa(i)))
		if err != nil {
			t.Fatal(err)
		}
		if off != uint64(i) {
			t.Fatalf("offset = %d, want %d", off, i)
		}
	}

	// A failing command does not consume an offset.
	s.Apply(set("s", "text"))
	if _, off, err := s.Apply(engine.Command{Op: engine.OpIncrBy, Key: "s", Delta: 1}); err == nil || off != 6 {
		t.Fatalf("failed incr returned offset %d err %v, want 6 and an error", off, err)
	}
	if s.Offset() != 6 {
		t.Errorf("Offset() = %d, want 6", s.Offset())
	}
}

func TestStreamAttachModes(t *testing.T) {
	s := newTestStream(4)
	lineage := s.Position().Lineage
	for i := 0; i < 6; i++ {
		s.Apply(set("k"+strconv.Itoa(i), "v"))
	}

	tests := []struct {
		name string
		req  AttachRequest
		want ResyncMode
		n    int
	}{
		{"fresh replica", AttachRequest{}, ResyncFull, 0},
		{"within backlog", AttachRequest{Lineage: lineage, Offset: 3}, ResyncPartial, 3},
		{"caught up", AttachRequest{Lineage: lineage, Offset: 6}, ResyncPartial, 0},
		{"evicted", AttachRequest{Lineage: lineage, Offset: 1}, ResyncFull, 0},
		{"other lineage", AttachRequest{Lineage: NewLineage(1), Offset: 6}, ResyncFull, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, sub, err := s.Attach(tt.name, tt.req)
			if err != nil {
				t.Fatal(err)
			}
			defer sub.Close()
			if res.Mode != tt.want {
				t.Fatalf("mode = %s, want %s", res.Mode, tt.want)
			}
			if res.Mode == ResyncFull && len(res.Snapshot) == 0 {
				t.Error("full resync without snapshot")
			}
			if len(res.Backlog) != tt.n {
				t.Errorf("backlog entries = %d, want %d", len(res.Backlog), tt.n)
			}
		})
	}
}

func TestSubscriptionReceivesEntriesAfterAttach(t *testing.T) {
	s := newTestStream(100)
	s.Apply(set("before", "1"))

	res, sub, err := s.Attach("r1", AttachRequest{Lineage: s.Position().Lineage, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	if len(res.Backlog) != 0 {
		t.Fatalf("unexpected backlog %v", res.Backlog)
	}

	s.Apply(set("after", "2"))
	e := <-sub.C()
	if e.Offset != 2 || e.Command.Key != "after" {
		t.Errorf("got %+v, want offset 2 key after", e)
	}
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	s := NewStream(engine.NewMemoryEngine(), Position{Lineage: NewLineage(1)},
		StreamConfig{BacklogSize: 100, SubscriberBuffer: 2}, logging.NewNopLogger(), metrics.NewRegistry())

	_, sub, _ := s.Attach("slow", AttachRequest{})
	for i := 0; i < 3; i++ {
		s.Apply(set("k", strconv.Itoa(i)))
	}

	n := 0
	for range sub.C() {
		n++
	}
	if n != 2 {
		t.Errorf("delivered %d entries before close, want 2", n)
	}
	if !errors.Is(sub.Err(), ErrSlowSubscriber) {
		t.Errorf("Err() = %v, want ErrSlowSubscriber", sub.Err())
	}
	if s.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", s.Subscribers())
	}
	// The stream itself never blocks or loses entries.
	if s.Offset() != 3 {
		t.Errorf("Offset() = %d, want 3", s.Offset())
	}
}

func TestApplyReplicatedRejectsGap(t *testing.T) {
	s := newTestStream(100)
	if err := s.ApplyReplicated(Entry{Offset: 1, Command: set("a", "1")}); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyReplicated(Entry{Offset: 3, Command: set("b", "2")}); !errors.Is(err, ErrOffsetGap) {
		t.Fatalf("gap err = %v", err)
	}
	if err := s.ApplyReplicated(Entry{Offset: 1, Command: set("a", "1")}); !errors.Is(err, ErrOffsetGap) {
		t.Fatalf("duplicate err = %v", err)
	}
	if s.Offset() != 1 {
		t.Errorf("Offset() = %d, want 1", s.Offset())
	}
}

func TestForkKeepsPreviousLineageForSiblings(t *testing.T) {
	primary := newTestStream(100)
	replica := newTestStream(100)
	sibling := newTestStream(100)

	snap, _ := primary.Engine().Snapshot()
	replica.ResetTo(primary.Position(), snap)
	sibling.ResetTo(primary.Position(), snap)

	// Both secondaries follow the primary; the sibling lags by two entries.
	for i := 1; i <= 5; i++ {
		_, off, _ := primary.Apply(set("k", strconv.Itoa(i)))
		e := Entry{Offset: off, Command: set("k", strconv.Itoa(i))}
		replica.ApplyReplicated(e)
		if i <= 3 {
			sibling.ApplyReplicated(e)
		}
	}
	pos := primary.Position()

	// The replica is promoted and takes more writes.
	forked := replica.Fork(2)
	if forked.Previous != pos.Lineage || forked.PreviousEnd != 5 || forked.Offset != 5 {
		t.Fatalf("fork position = %+v", forked)
	}
	replica.Apply(set("k", "6"))

	res, sub, err := replica.Attach("sibling", AttachRequest{Lineage: sibling.Position().Lineage, Offset: sibling.Offset()})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	if res.Mode != ResyncPartial || len(res.Backlog) != 3 {
		t.Fatalf("sibling resync = %s with %d entries, want partial with 3", res.Mode, len(res.Backlog))
	}

	if err := sibling.AdoptLineage(res.Position); err != nil {
		t.Fatal(err)
	}
	for _, e := range res.Backlog {
		if err := sibling.ApplyReplicated(e); err != nil {
			t.Fatal(err)
		}
	}
	if !maps.Equal(sibling.Engine().Dump(), replica.Engine().Dump()) {
		t.Error("sibling diverged from new primary")
	}

	// The old primary took a write the replica never saw; it must fully resync.
	primary.Apply(set("lost", "x"))
	res, sub2, _ := replica.Attach("old", AttachRequest{Lineage: pos.Lineage, Offset: primary.Offset()})
	defer sub2.Close()
	if res.Mode != ResyncFull {
		t.Errorf("divergent old primary got %s resync, want full", res.Mode)
	}
}

func commandGen() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 2),
		gen.IntRange(0, 7),
		gen.IntRange(-100, 100),
	).Map(func(vals []any) engine.Command {
		key := "k" + strconv.Itoa(vals[1].(int))
		n := vals[2].(int)
		switch vals[0].(int) {
		case 0:
			return engine.Command{Op: engine.OpSet, Key: key, Value: strconv.Itoa(n)}
		case 1:
			return engine.Command{Op: engine.OpDel, Key: key}
		default:
			return engine.Command{Op: engine.OpIncrBy, Key: key, Delta: int64(n)}
		}
	})
}

// A secondary that disconnects at any point and reattaches ends up with the
// primary's exact state, whichever resync mode is chosen.
func TestResyncConvergesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("reattach converges to primary state", prop.ForAll(
		func(cmds []engine.Command, cut int, backlog int) bool {
			primary := newTestStream(backlog)
			replica := newTestStream(backlog)

			_, sub, _ := primary.Attach("r", AttachRequest{})
			snap, _ := primary.Engine().Snapshot()
			replica.ResetTo(primary.Position(), snap)

			cut = cut % (len(cmds) + 1)
			for i, cmd := range cmds {
				primary.Apply(cmd)
				if i < cut {
					e := <-sub.C()
					if replica.ApplyReplicated(e) != nil {
						return false
					}
				}
			}
			sub.Close()

			pos := replica.Position()
			res, sub2, err := primary.Attach("r", AttachRequest{Lineage: pos.Lineage, Offset: pos.Offset})
			if err != nil {
				return false
			}
			defer sub2.Close()

			behind := primary.Offset() - pos.Offset
			if (res.Mode == ResyncPartial) != (behind <= uint64(backlog)) {
				return false
			}
			switch res.Mode {
			case ResyncPartial:
				for _, e := range res.Backlog {
					if replica.ApplyReplicated(e) != nil {
						return false
					}
				}
			case ResyncFull:
				if replica.ResetTo(res.Position, res.Snapshot) != nil {
					return false
				}
			}
			return replica.Offset() == primary.Offset() &&
				maps.Equal(replica.Engine().Dump(), primary.Engine().Dump())
		},
		gen.SliceOfN(40, commandGen()),
		gen.IntRange(0, 40),
		gen.IntRange(1, 30),
	))

	properties.Property("offsets are consecutive and applied in order", prop.ForAll(
		func(cmds []engine.Command) bool {
			s := NewStream(engine.NewMemoryEngine(), Position{Lineage: NewLineage(1)},
				StreamConfig{BacklogSize: 8, SubscriberBuffer: len(cmds) + 1},
				logging.NewNopLogger(), metrics.NewRegistry())
			_, sub, _ := s.Attach("r", AttachRequest{})
			defer sub.Close()

			var last uint64
			for _, cmd := range cmds {
				_, off, err := s.Apply(cmd)
				if err != nil {
					continue
				}
				if off != last+1 {
					return false
				}
				last = off
			}
			for want := uint64(1); want <= last; want++ {
				if e := <-sub.C(); e.Offset != want {
					return false
				}
			}
			return true
		},
		gen.SliceOf(commandGen()),
	))

	properties.TestingRun(t)
}
