package engine

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"maps"
	"math"
	"strconv"
	"sync"

	"github.com/golang/snappy"
)

const snapshotVersion = 1

// MemoryEngine is a map-backed Engine.
type MemoryEngine struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryEngine creates an empty engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{data: make(map[string]string)}
}

func (e *MemoryEngine) Apply(cmd Command) (Result, error) {
	if cmd.Key == "" {
		return Result{}, ErrEmptyKey
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	old, existed := e.data[cmd.Key]
	switch cmd.Op {
	case OpSet:
		e.data[cmd.Key] = cmd.Value
		return Result{Value: cmd.Value, Existed: existed}, nil

	case OpDel:
		delete(e.data, cmd.Key)
		return Result{Existed: existed}, nil

	case OpIncrBy:
		var cur int64
		if existed {
			n, err := strconv.ParseInt(old, 10, 64)
			if err != nil {
				return Result{}, ErrNotInteger
			}
			cur = n
		}
		if (cmd.Delta > 0 && cur > math.MaxInt64-cmd.Delta) || (cmd.Delta < 0 && cur < math.MinInt64-cmd.Delta) {
			return Result{}, ErrNotInteger
		}
		v := strconv.FormatInt(cur+cmd.Delta, 10)
		e.data[cmd.Key] = v
		return Result{Value: v, Existed: existed}, nil
	}
	return Result{}, fmt.Errorf("%w: %v", ErrUnknownOp, cmd.Op)
}

func (e *MemoryEngine) Get(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.data[key]
	return v, ok
}

func (e *MemoryEngine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.data)
}

func (e *MemoryEngine) Dump() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.data)
}

type snapshotFile struct {
	Version  int             `json:"version"`
	Checksum uint32          `json:"checksum"`
	Data     json.RawMessage `json:"data"`
}

// Snapshot encodes the state as snappy-compressed JSON with a CRC32 of the
// payload.
func (e *MemoryEngine) Snapshot() ([]byte, error) {
	e.mu.RLock()
	payload, err := json.Marshal(e.data)
	e.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	raw, err := json.Marshal(snapshotFile{
		Version:  snapshotVersion,
		Checksum: crc32.ChecksumIEEE(payload),
		Data:     payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// Restore replaces the state with a snapshot produced by Snapshot. On error
// the current state is left untouched.
func (e *MemoryEngine) Restore(data []byte) error {
	state, err := DecodeSnapshot(data)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.data = state
	e.mu.Unlock()
	return nil
}

// DecodeSnapshot verifies and decodes a snapshot without installing it.
func DecodeSnapshot(data []byte) (map[string]string, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	var file snapshotFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if file.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, file.Version)
	}
	if crc32.ChecksumIEEE(file.Data) != file.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}

	state := make(map[string]string)
	if err := json.Unmarshal(file.Data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return state, nil
}
