package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoCheckpoint is returned by CheckpointStore.Get when no checkpoint
// exists for the requested graph and run.
var ErrNoCheckpoint = errors.New("no checkpoint for graph/run")

// Checkpoint is a snapshot of graph state taken after a node ran. One
// checkpoint per (GraphID, RunID) is kept: each Put overwrites the previous
// snapshot for that run.
type Checkpoint struct {
	GraphID   string          `json:"graph_id"`
	RunID     string          `json:"run_id"`
	Node      string          `json:"node"`
	State     json.RawMessage `json:"state"`
	Timestamp time.Time       `json:"timestamp"`
}

// CheckpointStore persists the latest checkpoint per (GraphID, RunID).
type CheckpointStore interface {
	Put(ctx context.Context, cp Checkpoint) error
	Get(ctx context.Context, graphID, runID string) (*Checkpoint, error)
	Delete(ctx context.Context, graphID, runID string) error
}

// DecodeState unmarshals a checkpoint's state into the graph's state type.
func DecodeState[S any](cp *Checkpoint) (S, error) {
	var state S
	if cp == nil {
		return state, fmt.Errorf("decoding checkpoint state: nil checkpoint")
	}
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return state, fmt.Errorf("decoding checkpoint state for graph '%s' run '%s': %w", cp.GraphID, cp.RunID, err)
	}
	return state, nil
}

// =============================================================================
// IN-MEMORY STORE
// =============================================================================

// MemoryCheckpointStore keeps checkpoints in process memory. Suitable for
// tests and single-process deployments without a session store.
type MemoryCheckpointStore struct {
	mu    sync.RWMutex
	items map[string]Checkpoint
}

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{items: make(map[string]Checkpoint)}
}

func checkpointKey(graphID, runID string) string {
	return graphID + "::" + runID
}

// Put stores cp, overwriting any previous checkpoint for the same graph and
// run. The state bytes are copied so callers may reuse their buffer.
func (s *MemoryCheckpointStore) Put(_ context.Context, cp Checkpoint) error {
	stored := cp
	stored.State = append(json.RawMessage(nil), cp.State...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[checkpointKey(cp.GraphID, cp.RunID)] = stored
	return nil
}

// Get returns the latest checkpoint for the graph and run, or ErrNoCheckpoint.
func (s *MemoryCheckpointStore) Get(_ context.Context, graphID, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.items[checkpointKey(graphID, runID)]
	if !ok {
		return nil, ErrNoCheckpoint
	}
	out := cp
	out.State = append(json.RawMessage(nil), cp.State...)
	return &out, nil
}

// Delete removes the checkpoint for the graph and run. Deleting a missing
// checkpoint is not an error.
func (s *MemoryCheckpointStore) Delete(_ context.Context, graphID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, checkpointKey(graphID, runID))
	return nil
}

// Len reports how many checkpoints are held.
func (s *MemoryCheckpointStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
