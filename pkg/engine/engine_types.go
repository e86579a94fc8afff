package engine

import (
	"errors"
	"fmt"
)

// OpType identifies a mutating command.
type OpType uint8

const (
	OpSet OpType = iota + 1
	OpDel
	OpIncrBy
)

func (o OpType) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpDel:
		return "del"
	case OpIncrBy:
		return "incrby"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// ParseOp maps a command name to its OpType.
func ParseOp(name string) (OpType, error) {
	switch name {
	case "set":
		return OpSet, nil
	case "del":
		return OpDel, nil
	case "incrby":
		return OpIncrBy, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOp, name)
}

// Command is a single write. Commands are deterministic so that replaying the
// same sequence on any node yields the same state.
type Command struct {
	Op    OpType `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
	Delta int64  `json:"delta,omitempty"`
}

// Result is the outcome of applying a Command.
type Result struct {
	// Value holds the new value after set and incrby.
	Value string `json:"value,omitempty"`
	// Existed reports whether the key was present before the command.
	Existed bool `json:"existed"`
}

// Engine is the state machine the replication stream drives.
type Engine interface {
	Apply(cmd Command) (Result, error)
	Get(key string) (string, bool)
	Len() int
	// Snapshot serializes the full state.
	Snapshot() ([]byte, error)
	// Restore replaces the full state with a snapshot.
	Restore(data []byte) error
	// Dump returns a copy of every key and value.
	Dump() map[string]string
}

var (
	ErrUnknownOp       = errors.New("unknown operation")
	ErrNotInteger      = errors.New("value is not an integer or out of range")
	ErrEmptyKey        = errors.New("empty key")
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)
