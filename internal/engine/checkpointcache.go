package engine

import (
	"context"
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CheckpointCache is a per-run, in-memory read cache warmed from
// GetTaskCheckpointStates at the start of a handler invocation
// (spec.md §5 "In-memory caches ... are per-run, never shared"). It
// never serves as a write path: every write still goes through
// SetTaskCheckpointState, and the database remains authoritative on
// any error.
type CheckpointCache struct {
	mu   sync.RWMutex
	runs *lru.Cache[string, map[string]json.RawMessage]
}

// NewCheckpointCache returns a cache holding warmed checkpoint sets for
// up to maxRuns concurrently-executing runs.
func NewCheckpointCache(maxRuns int) (*CheckpointCache, error) {
	c, err := lru.New[string, map[string]json.RawMessage](maxRuns)
	if err != nil {
		return nil, err
	}
	return &CheckpointCache{runs: c}, nil
}

// Warm loads every checkpoint currently recorded for taskID and indexes
// it under runID for subsequent Get calls.
func (c *CheckpointCache) Warm(ctx context.Context, e *Engine, queue, taskID, runID string) error {
	states, err := e.GetTaskCheckpointStates(ctx, queue, taskID)
	if err != nil {
		return err
	}
	byName := make(map[string]json.RawMessage, len(states))
	for _, s := range states {
		byName[s.CheckpointName] = s.State
	}
	c.mu.Lock()
	c.runs.Add(runID, byName)
	c.mu.Unlock()
	return nil
}

// Get returns a checkpoint's cached state and whether it was present.
func (c *CheckpointCache) Get(runID, checkpointName string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byName, ok := c.runs.Get(runID)
	if !ok {
		return nil, false
	}
	state, ok := byName[checkpointName]
	return state, ok
}

// Forget evicts a run's cached checkpoints, called once a run reaches a
// terminal outcome so the cache doesn't grow unboundedly across a
// worker's lifetime.
func (c *CheckpointCache) Forget(runID string) {
	c.mu.Lock()
	c.runs.Remove(runID)
	c.mu.Unlock()
}
