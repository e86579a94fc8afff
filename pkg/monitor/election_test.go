package monitor

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestVoteLedgerCastVote(t *testing.T) {
	type step struct {
		epoch     uint64
		candidate string
		granted   bool
		standing  string
	}
	tests := []struct {
		name  string
		steps []step
	}{
		{"first vote", []step{{1, "a", true, "a"}}},
		{"epoch zero refused", []step{{0, "a", false, ""}}},
		{"empty candidate refused", []step{{1, "", false, ""}}},
		{"same epoch other candidate", []step{{1, "a", true, "a"}, {1, "b", false, "a"}}},
		{"same epoch same candidate", []step{{1, "a", true, "a"}, {1, "a", true, "a"}}},
		{"older epoch", []step{{5, "a", true, "a"}, {3, "b", false, "a"}}},
		{"newer epoch", []step{{1, "a", true, "a"}, {2, "b", true, "b"}}},
		{"older epoch same candidate", []step{{2, "a", true, "a"}, {1, "a", false, "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewVoteLedger("voter")
			for i, s := range tt.steps {
				rec, granted := l.CastVote(s.epoch, s.candidate)
				if granted != s.granted {
					t.Fatalf("step %d: granted = %v, want %v", i, granted, s.granted)
				}
				if rec.CandidateID != s.standing {
					t.Fatalf("step %d: standing vote for %q, want %q", i, rec.CandidateID, s.standing)
				}
				if s.standing != "" && rec.VoterID != "voter" {
					t.Fatalf("step %d: voter = %q", i, rec.VoterID)
				}
			}
		})
	}
}

func TestVoteLedgerRecordsBounded(t *testing.T) {
	l := NewVoteLedger("v")
	for e := uint64(1); e <= maxVoteRecords+10; e++ {
		l.CastVote(e, "c")
	}
	recs := l.Records()
	if len(recs) != maxVoteRecords {
		t.Fatalf("kept %d records, want %d", len(recs), maxVoteRecords)
	}
	if recs[0].Epoch != 11 || recs[len(recs)-1].Epoch != maxVoteRecords+10 {
		t.Fatalf("unexpected window %d..%d", recs[0].Epoch, recs[len(recs)-1].Epoch)
	}
}

type voteRequest struct {
	epoch     uint64
	candidate string
}

func voteRequestGen() gopter.Gen {
	return gopter.CombineGens(
		gen.UInt64Range(0, 12),
		gen.IntRange(0, 3),
	).Map(func(v []any) voteRequest {
		return voteRequest{epoch: v[0].(uint64), candidate: fmt.Sprintf("m%d", v[1].(int))}
	})
}

func TestVoteProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("at most one candidate per epoch", prop.ForAll(
		func(reqs []voteRequest) bool {
			l := NewVoteLedger("v")
			granted := map[uint64]string{}
			for _, r := range reqs {
				if _, ok := l.CastVote(r.epoch, r.candidate); !ok {
					continue
				}
				if prev, seen := granted[r.epoch]; seen && prev != r.candidate {
					return false
				}
				granted[r.epoch] = r.candidate
			}
			return true
		},
		gen.SliceOf(voteRequestGen()),
	))

	properties.Property("recorded vote epochs strictly increase", prop.ForAll(
		func(reqs []voteRequest) bool {
			l := NewVoteLedger("v")
			for _, r := range reqs {
				l.CastVote(r.epoch, r.candidate)
			}
			recs := l.Records()
			for i := 1; i < len(recs); i++ {
				if recs[i].Epoch <= recs[i-1].Epoch {
					return false
				}
			}
			return true
		},
		gen.SliceOf(voteRequestGen()),
	))

	properties.Property("required votes is a majority and at least quorum", prop.ForAll(
		func(quorum, monitors int) bool {
			need := requiredVotes(quorum, monitors)
			return need >= quorum && 2*need > monitors
		},
		gen.IntRange(1, 9),
		gen.IntRange(1, 15),
	))

	properties.Property("two leaders of one epoch cannot both reach the threshold", prop.ForAll(
		func(quorum, monitors int, split []bool) bool {
			// Each monitor casts at most one vote per epoch, so two
			// candidates share the monitors' votes between them.
			need := requiredVotes(quorum, monitors)
			a, b := 0, 0
			for i := 0; i < monitors && i < len(split); i++ {
				if split[i] {
					a++
				} else {
					b++
				}
			}
			return !(a >= need && b >= need)
		},
		gen.IntRange(1, 9),
		gen.IntRange(1, 15),
		gen.SliceOfN(15, gen.Bool()),
	))

	properties.TestingRun(t)
}
