package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/checkpoint"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/replication"
)

func openStore(ctx context.Context, cfg Config) (checkpoint.Store, error) {
	switch {
	case cfg.CheckpointS3 != nil:
		return checkpoint.NewS3Store(ctx, *cfg.CheckpointS3)
	case cfg.CheckpointPath != "":
		return checkpoint.NewFileStore(cfg.CheckpointPath), nil
	default:
		return nil, nil
	}
}

// restore loads the last checkpoint into the engine. It returns nil when
// there is none.
func (n *Node) restore(ctx context.Context, logger logging.Logger) (*replication.Position, error) {
	cp, err := n.store.Load(ctx)
	if errors.Is(err, checkpoint.ErrNotFound) {
		n.metrics.CheckpointsTotal.WithLabelValues("load", "missing").Inc()
		return nil, nil
	}
	if err != nil {
		n.metrics.CheckpointsTotal.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("load checkpoint from %s: %w", n.store, err)
	}
	if err := n.engine.Restore(cp.Snapshot); err != nil {
		n.metrics.CheckpointsTotal.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("restore checkpoint: %w", err)
	}
	if n.id == "" {
		n.id = cp.NodeID
	}
	n.highestEpoch = cp.Epoch
	n.fencedEpoch = cp.FencedEpoch
	n.metrics.CheckpointsTotal.WithLabelValues("load", "ok").Inc()

	logger.Info("checkpoint restored",
		logging.Node(n.id),
		logging.String("store", n.store.String()),
		logging.String("lineage", cp.Position.Lineage.String()),
		logging.Offset(cp.Position.Offset),
		logging.Epoch(cp.Epoch),
		logging.Int("keys", n.engine.Len()))
	return &cp.Position, nil
}

// SaveCheckpoint writes the current state to the configured store.
func (n *Node) SaveCheckpoint(ctx context.Context) error {
	if n.store == nil {
		return nil
	}
	timer := logging.StartTimer(n.logger, "checkpoint", logging.String("store", n.store.String()))

	pos, snap, err := n.stream.Snapshot()
	if err != nil {
		n.metrics.CheckpointsTotal.WithLabelValues("save", "error").Inc()
		err = fmt.Errorf("snapshot for checkpoint: %w", err)
		timer.EndError(err)
		return err
	}
	highest, fenced := n.Epochs()
	cp := &checkpoint.Checkpoint{
		NodeID:      n.id,
		Position:    pos,
		Epoch:       highest,
		FencedEpoch: fenced,
		CreatedAt:   time.Now().UTC(),
		Snapshot:    snap,
	}
	if err := n.store.Save(ctx, cp); err != nil {
		n.metrics.CheckpointsTotal.WithLabelValues("save", "error").Inc()
		timer.EndError(err)
		return err
	}
	n.metrics.CheckpointsTotal.WithLabelValues("save", "ok").Inc()
	timer.End(logging.Offset(pos.Offset), logging.Int("bytes", len(snap)))
	return nil
}

func (n *Node) checkpointLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.CheckpointInterval)
	defer ticker.Stop()

	type mark struct{ offset, highest, fenced uint64 }
	var last mark
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			cur := mark{offset: n.stream.Offset()}
			cur.highest, cur.fenced = n.Epochs()
			if cur == last {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.CheckpointInterval)
			if err := n.SaveCheckpoint(ctx); err == nil {
				last = cur
			}
			cancel()
		}
	}
}
