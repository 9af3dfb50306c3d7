package refstore

import (
	"context"
	"sync"

	"github.com/BaSui01/fedflow/types"
)

// MemoryStore is the in-process Store used by single-process runs and
// tests. A single mutex guards the index; writers to distinct keys only
// contend on the map itself, never on each other's entries.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[Key]Artifact
	journal   []Key
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[Key]Artifact)}
}

// Publish records an artifact, rejecting duplicate keys.
func (s *MemoryStore) Publish(ctx context.Context, artifact Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.artifacts[artifact.Key]; exists {
		return types.Errorf(types.ErrDuplicateArtifact,
			"artifact %s already published", artifact.Key).
			WithRound(artifact.Key.Round).WithParticipant(artifact.Key.Owner)
	}
	s.artifacts[artifact.Key] = artifact
	s.journal = append(s.journal, artifact.Key)
	return nil
}

// Resolve reads an artifact on behalf of caller.
func (s *MemoryStore) Resolve(ctx context.Context, caller types.ParticipantID, key Key) (any, error) {
	s.mu.RLock()
	artifact, ok := s.artifacts[key]
	s.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrReferenceResolution,
			"artifact %s not found", key).WithRound(key.Round).WithParticipant(caller)
	}
	if err := checkAccess(caller, artifact); err != nil {
		return nil, err
	}
	return decodeValue(artifact)
}

// Journal returns all published keys in publish order.
func (s *MemoryStore) Journal(ctx context.Context) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Key, len(s.journal))
	copy(out, s.journal)
	return out, nil
}

// Snapshot captures the store content in publish order.
func (s *MemoryStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &Snapshot{Artifacts: make([]Artifact, 0, len(s.journal))}
	for _, key := range s.journal {
		snap.Artifacts = append(snap.Artifacts, s.artifacts[key])
	}
	return snap, nil
}

// Restore replaces the store content with a snapshot.
func (s *MemoryStore) Restore(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = make(map[Key]Artifact, len(snap.Artifacts))
	s.journal = make([]Key, 0, len(snap.Artifacts))
	for _, a := range snap.Artifacts {
		s.artifacts[a.Key] = a
		s.journal = append(s.journal, a.Key)
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
