package replication

import "errors"

var (
	// ErrOffsetGap means an entry does not directly follow the local offset.
	// The secondary must fall back to a full resync.
	ErrOffsetGap = errors.New("replication offset gap")
	// ErrDiverged means a replicated command failed to apply locally.
	ErrDiverged = errors.New("replica state diverged from primary")
	// ErrSlowSubscriber closes a subscription whose buffer overflowed.
	ErrSlowSubscriber = errors.New("subscriber too slow")
	// ErrStreamReset closes subscriptions when the stream changes history.
	ErrStreamReset  = errors.New("stream reset")
	ErrNotPrimary   = errors.New("node is not a primary")
	ErrStaleEpoch   = errors.New("stale epoch")
	ErrMaxReplicas  = errors.New("max replicas reached")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRejected     = errors.New("handshake rejected")
	ErrClosed       = errors.New("replication closed")
)
