package store

import (
	"context"
	"testing"
	"time"

	"github.com/kern-lang/kern/kern/bytecode"
	"github.com/kern-lang/kern/kern/emit"
	"github.com/kern-lang/kern/kern/vm"
	"github.com/stretchr/testify/require"
)

func sampleModule(t *testing.T) *bytecode.Module {
	t.Helper()
	halt, err := bytecode.NewInstruction(bytecode.OpHalt, 0, 0)
	require.NoError(t, err)
	return &bytecode.Module{
		Code:      []bytecode.Instruction{halt},
		Symbols:   []string{"x"},
		Externals: []string{"ask_claude"},
		Labels:    []bytecode.Label{{Name: "main", Kind: bytecode.LabelFlow, Addr: 0}},
		BuildHash: "deadbeef",
		Version:   1,
	}
}

func TestMemStoreModuleRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, err := s.LoadModule(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	m := sampleModule(t)
	require.NoError(t, s.SaveModule(ctx, "main", m))

	loaded, err := s.LoadModule(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, m.Code, loaded.Code)
	require.Equal(t, m.Symbols, loaded.Symbols)
	require.Equal(t, m.Externals, loaded.Externals)
	require.Equal(t, m.Labels, loaded.Labels)
	require.Equal(t, m.BuildHash, loaded.BuildHash)
	require.Equal(t, m.Version, loaded.Version)
}

func TestMemStoreCheckpointLatestAndByStep(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, err := s.LoadLatestCheckpoint(ctx, "run-1")
	require.ErrorIs(t, err, ErrNotFound)

	snap1 := Snapshot{PC: 1, Symbols: map[string]vm.Value{"x": vm.Num(1)}, StepCount: 1}
	snap2 := Snapshot{PC: 2, Symbols: map[string]vm.Value{"x": vm.Num(2)}, StepCount: 2}

	require.NoError(t, s.SaveCheckpoint(ctx, Checkpoint{RunID: "run-1", Step: 1, Snapshot: snap1, Timestamp: time.Now()}))
	require.NoError(t, s.SaveCheckpoint(ctx, Checkpoint{RunID: "run-1", Step: 2, Snapshot: snap2, Timestamp: time.Now()}))

	latest, err := s.LoadLatestCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, 2, latest.Step)
	require.Equal(t, int64(2), latest.Snapshot.Symbols["x"].Num)

	first, err := s.LoadCheckpoint(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Equal(t, 1, first.Step)

	_, err = s.LoadCheckpoint(ctx, "run-1", 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreCheckpointByLabel(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	cp := Checkpoint{RunID: "run-1", Step: 3, Snapshot: Snapshot{PC: 3}, Timestamp: time.Now(), Label: "pre-commit"}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))

	found, err := s.LoadCheckpointByLabel(ctx, "pre-commit")
	require.NoError(t, err)
	require.Equal(t, "run-1", found.RunID)

	_, err = s.LoadCheckpointByLabel(ctx, "missing-label")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreIdempotency(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	cp := Checkpoint{RunID: "run-1", Step: 1, Snapshot: Snapshot{}, Timestamp: time.Now(), IdempotencyKey: "key-1"}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))

	used, err := s.CheckIdempotency(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, used)

	unused, err := s.CheckIdempotency(ctx, "key-2")
	require.NoError(t, err)
	require.False(t, unused)

	dup := Checkpoint{RunID: "run-1", Step: 2, Snapshot: Snapshot{}, Timestamp: time.Now(), IdempotencyKey: "key-1"}
	require.Error(t, s.SaveCheckpoint(ctx, dup))
}

func TestMemStoreOutbox(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	s.PushEvent("evt-1", emit.Event{RunID: "run-1", Step: 1, Msg: "rule fired"})
	s.PushEvent("evt-2", emit.Event{RunID: "run-1", Step: 2, Msg: "rule fired"})
	s.PushEvent("evt-1", emit.Event{RunID: "run-1", Step: 1, Msg: "duplicate push ignored"})

	pending, err := s.PendingEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.MarkEventsEmitted(ctx, []string{"evt-1"}))

	limited, err := s.PendingEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}
