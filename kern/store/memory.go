package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kern-lang/kern/kern/bytecode"
	"github.com/kern-lang/kern/kern/emit"
)

// MemStore is an in-process Store backed by plain maps, for tests and
// single-process runs that don't need durability.
type MemStore struct {
	mu             sync.RWMutex
	modules        map[string]*bytecode.Module
	checkpoints    map[string]map[int]Checkpoint // runID -> step -> checkpoint
	labelIndex     map[string]Checkpoint         // label -> checkpoint
	idempotency    map[string]bool
	pendingEvents  []emit.Event
	pendingIDs     map[string]int // event ID -> index into pendingEvents
	emittedIDs     map[string]bool
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		modules:     make(map[string]*bytecode.Module),
		checkpoints: make(map[string]map[int]Checkpoint),
		labelIndex:  make(map[string]Checkpoint),
		idempotency: make(map[string]bool),
		pendingIDs:  make(map[string]int),
		emittedIDs:  make(map[string]bool),
	}
}

func (s *MemStore) SaveModule(ctx context.Context, name string, m *bytecode.Module) error {
	// Round-trip through the wire encoding so MemStore exercises the
	// same serialization path the durable backends do.
	data, err := encodeModule(m)
	if err != nil {
		return err
	}
	decoded, err := decodeModule(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[name] = decoded
	return nil
}

func (s *MemStore) LoadModule(ctx context.Context, name string) (*bytecode.Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[name]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

func (s *MemStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.IdempotencyKey != "" {
		if s.idempotency[cp.IdempotencyKey] {
			return fmt.Errorf("store: idempotency key %q already used", cp.IdempotencyKey)
		}
		s.idempotency[cp.IdempotencyKey] = true
	}

	byStep, ok := s.checkpoints[cp.RunID]
	if !ok {
		byStep = make(map[int]Checkpoint)
		s.checkpoints[cp.RunID] = byStep
	}
	byStep[cp.Step] = cp

	if cp.Label != "" {
		s.labelIndex[cp.Label] = cp
	}
	return nil
}

func (s *MemStore) LoadLatestCheckpoint(ctx context.Context, runID string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byStep, ok := s.checkpoints[runID]
	if !ok || len(byStep) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	steps := make([]int, 0, len(byStep))
	for step := range byStep {
		steps = append(steps, step)
	}
	sort.Ints(steps)
	return byStep[steps[len(steps)-1]], nil
}

func (s *MemStore) LoadCheckpoint(ctx context.Context, runID string, step int) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byStep, ok := s.checkpoints[runID]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	cp, ok := byStep[step]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

func (s *MemStore) LoadCheckpointByLabel(ctx context.Context, label string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.labelIndex[label]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

func (s *MemStore) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idempotency[key], nil
}

// PushEvent appends event to the pending outbox, for use by an emitter
// that wants at-least-once delivery via the store's outbox pattern.
func (s *MemStore) PushEvent(id string, event emit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emittedIDs[id] {
		return
	}
	if _, exists := s.pendingIDs[id]; exists {
		return
	}
	s.pendingIDs[id] = len(s.pendingEvents)
	s.pendingEvents = append(s.pendingEvents, event)
}

func (s *MemStore) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Invert pendingIDs so events already marked emitted are skipped.
	ids := make([]string, len(s.pendingEvents))
	for id, idx := range s.pendingIDs {
		ids[idx] = id
	}
	out := make([]emit.Event, 0, len(s.pendingEvents))
	for i, e := range s.pendingEvents {
		if !s.emittedIDs[ids[i]] {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range eventIDs {
		s.emittedIDs[id] = true
	}
	return nil
}

func (s *MemStore) Close() error {
	return nil
}
