package mesh

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ConsensusSnapshot is the consensus last extracted by the service together
// with the build that produced it.
type ConsensusSnapshot struct {
	Consensus *Consensus   `json:"consensus"`
	Summary   BuildSummary `json:"summary"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// StateTracker holds the latest consensus for the HTTP and MQTT surfaces.
type StateTracker struct {
	mu        sync.RWMutex
	snapshot  *ConsensusSnapshot
	cachePath string // empty disables persistence
}

// NewStateTracker creates an empty state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{}
}

// NewStateTrackerWithCache creates a state tracker that persists every
// update to cachePath. A readable cache is loaded on creation.
func NewStateTrackerWithCache(cachePath string) *StateTracker {
	st := &StateTracker{cachePath: cachePath}
	if cachePath != "" {
		if snap, err := LoadSnapshot(cachePath); err == nil {
			st.snapshot = snap
		}
	}
	return st
}

// Update stores a new consensus. The snapshot is written to the cache file
// when one is configured; a failed write is returned but the in-memory
// state is still replaced.
func (st *StateTracker) Update(cons *Consensus, summary BuildSummary) error {
	snap := &ConsensusSnapshot{
		Consensus: cons,
		Summary:   summary,
		UpdatedAt: time.Now(),
	}

	st.mu.Lock()
	st.snapshot = snap
	cachePath := st.cachePath
	st.mu.Unlock()

	if cachePath != "" {
		return SaveSnapshot(snap, cachePath)
	}
	return nil
}

// Snapshot returns the latest snapshot, or nil before the first update.
func (st *StateTracker) Snapshot() *ConsensusSnapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.snapshot == nil {
		return nil
	}
	snap := *st.snapshot
	return &snap
}

// HasConsensus returns true once a consensus has been stored
func (st *StateTracker) HasConsensus() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshot != nil && st.snapshot.Consensus != nil
}

// SaveSnapshot writes a snapshot to disk as JSON.
func SaveSnapshot(snap *ConsensusSnapshot, path string) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal consensus snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write consensus cache: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot written by SaveSnapshot.
func LoadSnapshot(path string) (*ConsensusSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read consensus cache: %w", err)
	}
	var snap ConsensusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal consensus cache: %w", err)
	}
	return &snap, nil
}
