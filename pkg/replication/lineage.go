package replication

import (
	"fmt"

	"github.com/google/uuid"
)

// Lineage identifies one primary incarnation. Offsets are only comparable
// within the same lineage, or across a recorded fork point.
type Lineage struct {
	RunID string `json:"run_id"`
	Epoch uint64 `json:"epoch"`
}

// NewLineage starts a fresh lineage with a random run id.
func NewLineage(epoch uint64) Lineage {
	return Lineage{RunID: uuid.NewString(), Epoch: epoch}
}

// IsZero reports whether l names no history, as on a node that never
// held data.
func (l Lineage) IsZero() bool { return l.RunID == "" }

// String formats l as runid@epoch, or "none".
func (l Lineage) String() string {
	if l.IsZero() {
		return "none"
	}
	return fmt.Sprintf("%s@%d", l.RunID, l.Epoch)
}

// Position is a node's place in replication history. Previous and
// PreviousEnd record the lineage this one forked from, so that secondaries
// of the old primary can continue incrementally after a promotion.
type Position struct {
	Lineage     Lineage `json:"lineage"`
	Offset      uint64  `json:"offset"`
	Previous    Lineage `json:"previous,omitempty"`
	PreviousEnd uint64  `json:"previous_end,omitempty"`
}

// Continues reports whether a replica at (l, offset) holds a prefix of the
// history described by p.
func (p Position) Continues(l Lineage, offset uint64) bool {
	if l.IsZero() {
		return false
	}
	if l == p.Lineage {
		return offset <= p.Offset
	}
	return !p.Previous.IsZero() && l == p.Previous && offset <= p.PreviousEnd
}
