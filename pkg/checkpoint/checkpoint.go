// Package checkpoint persists a node's state so that it can restart with its
// data, replication position and fencing epochs intact.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/replication"
)

const formatVersion = 1

var (
	ErrNotFound = errors.New("checkpoint not found")
	ErrCorrupt  = errors.New("corrupt checkpoint")
)

// Checkpoint is the durable state of a node.
type Checkpoint struct {
	Version  int                  `json:"version"`
	NodeID   string               `json:"node_id"`
	Position replication.Position `json:"position"`
	// Epoch is the highest configuration epoch the node has seen.
	Epoch uint64 `json:"epoch"`
	// FencedEpoch is the highest epoch the node has been fenced for.
	FencedEpoch uint64    `json:"fenced_epoch"`
	CreatedAt   time.Time `json:"created_at"`
	// Snapshot is an engine snapshot taken at Position.Offset.
	Snapshot []byte `json:"snapshot"`
}

// Store saves and loads the latest checkpoint.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	// Load returns ErrNotFound when no checkpoint exists yet.
	Load(ctx context.Context) (*Checkpoint, error)
	String() string
}

// Encode serializes a checkpoint.
func Encode(cp *Checkpoint) ([]byte, error) {
	cp.Version = formatVersion
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

// Decode parses a checkpoint produced by Encode.
func Decode(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if cp.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, cp.Version)
	}
	return &cp, nil
}
