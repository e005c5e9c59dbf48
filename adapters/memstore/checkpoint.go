package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgeline-dev/testforge/coreengine/logging"
	"github.com/forgeline-dev/testforge/coreengine/runtime"
)

// CheckpointStore persists graph checkpoints through a session Store, so a
// run interrupted mid-stage can resume from its last completed node. With a
// Redis-backed Store the checkpoints survive process restarts.
type CheckpointStore struct {
	store  Store
	ttl    time.Duration
	logger logging.Logger
}

var _ runtime.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore wraps store for checkpoint persistence. Entries expire
// after ttl; zero keeps them until deleted.
func NewCheckpointStore(store Store, ttl time.Duration, logger logging.Logger) *CheckpointStore {
	return &CheckpointStore{
		store:  store,
		ttl:    ttl,
		logger: logging.OrNop(logger),
	}
}

func runCheckpointKey(graphID, runID string) string {
	return "checkpoint:" + graphID + ":" + runID
}

// Put stores the checkpoint, replacing any previous one for the same graph
// and run.
func (c *CheckpointStore) Put(ctx context.Context, cp runtime.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint %s/%s: %w", cp.GraphID, cp.RunID, err)
	}
	key := runCheckpointKey(cp.GraphID, cp.RunID)
	if err := c.store.Set(ctx, key, string(data), c.ttl); err != nil {
		return fmt.Errorf("saving checkpoint %s/%s: %w", cp.GraphID, cp.RunID, err)
	}
	c.logger.Debug("checkpoint_saved",
		"graph_id", cp.GraphID,
		"run_id", cp.RunID,
		"node", cp.Node)
	return nil
}

// Get returns the latest checkpoint for the graph and run, or
// runtime.ErrNoCheckpoint when none was saved or it has expired.
func (c *CheckpointStore) Get(ctx context.Context, graphID, runID string) (*runtime.Checkpoint, error) {
	v, ok, err := c.store.Get(ctx, runCheckpointKey(graphID, runID))
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint %s/%s: %w", graphID, runID, err)
	}
	if !ok {
		return nil, runtime.ErrNoCheckpoint
	}
	var cp runtime.Checkpoint
	if err := json.Unmarshal([]byte(v), &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s/%s: %w", graphID, runID, err)
	}
	return &cp, nil
}

// Delete removes the checkpoint for the graph and run. Missing checkpoints
// are not an error.
func (c *CheckpointStore) Delete(ctx context.Context, graphID, runID string) error {
	if err := c.store.Delete(ctx, runCheckpointKey(graphID, runID)); err != nil {
		return fmt.Errorf("deleting checkpoint %s/%s: %w", graphID, runID, err)
	}
	return nil
}
