// Package store provides durable persistence for compiled bytecode
// modules and engine checkpoints, the way the teacher's graph/store
// package persists workflow state and checkpoints.
package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kern-lang/kern/kern/bytecode"
	"github.com/kern-lang/kern/kern/emit"
	"github.com/kern-lang/kern/kern/vm"
)

// ErrNotFound is returned when a requested module name, run ID, or
// checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// Snapshot is a resumable point in a VM run: the program counter, the
// active context's symbol table, and enough bookkeeping to keep
// kmetrics/emit history consistent across a resume.
type Snapshot struct {
	PC            int                 `json:"pc"`
	ConditionFlag bool                `json:"condition_flag"`
	Symbols       map[string]vm.Value `json:"symbols"`
	StepCount     uint64              `json:"step_count"`
}

// Checkpoint is a named, timestamped Snapshot belonging to one run.
type Checkpoint struct {
	RunID          string    `json:"run_id"`
	Step           int       `json:"step"`
	Snapshot       Snapshot  `json:"snapshot"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Label          string    `json:"label,omitempty"`
}

// Store persists bytecode modules (by name) and run checkpoints (by
// run ID and step), plus a transactional outbox of emit.Events not yet
// delivered to an external backend.
type Store interface {
	// SaveModule persists a compiled module under name, overwriting any
	// existing module with the same name.
	SaveModule(ctx context.Context, name string, m *bytecode.Module) error

	// LoadModule retrieves a previously saved module by name.
	LoadModule(ctx context.Context, name string) (*bytecode.Module, error)

	// SaveCheckpoint persists cp, indexed by (RunID, Step) and,
	// if cp.Label is set, also by that label.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error

	// LoadLatestCheckpoint retrieves the highest-Step checkpoint saved
	// for runID.
	LoadLatestCheckpoint(ctx context.Context, runID string) (Checkpoint, error)

	// LoadCheckpoint retrieves the checkpoint saved for runID at step.
	LoadCheckpoint(ctx context.Context, runID string, step int) (Checkpoint, error)

	// LoadCheckpointByLabel retrieves a checkpoint by its user-assigned
	// label.
	LoadCheckpointByLabel(ctx context.Context, label string) (Checkpoint, error)

	// CheckIdempotency reports whether key has already been used by a
	// prior SaveCheckpoint call, to reject duplicate commits on retry.
	CheckIdempotency(ctx context.Context, key string) (bool, error)

	// PendingEvents returns up to limit events not yet marked emitted,
	// in insertion order. limit <= 0 means no limit.
	PendingEvents(ctx context.Context, limit int) ([]emit.Event, error)

	// MarkEventsEmitted removes the named events from the pending
	// outbox.
	MarkEventsEmitted(ctx context.Context, eventIDs []string) error

	// Close releases any resources the store holds.
	Close() error
}

// moduleRecord is the on-disk encoding of a bytecode.Module: Code is
// kept in the module's own canonical wire format (bytecode.EncodeProgram)
// rather than re-encoded as JSON, so a round trip through the store
// exercises the same Instruction encoding spec §6 defines; the interned
// tables and labels travel alongside it as JSON.
type moduleRecord struct {
	CodeHex   string           `json:"code_hex"`
	Symbols   []string         `json:"symbols"`
	Externals []string         `json:"externals"`
	Labels    []bytecode.Label `json:"labels"`
	BuildHash string           `json:"build_hash"`
	Version   uint32           `json:"version"`
}

func encodeModule(m *bytecode.Module) ([]byte, error) {
	rec := moduleRecord{
		CodeHex:   hex.EncodeToString(m.Bytes()),
		Symbols:   m.Symbols,
		Externals: m.Externals,
		Labels:    m.Labels,
		BuildHash: m.BuildHash,
		Version:   m.Version,
	}
	return json.Marshal(rec)
}

func decodeModule(data []byte) (*bytecode.Module, error) {
	var rec moduleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store: decode module: %w", err)
	}
	raw, err := hex.DecodeString(rec.CodeHex)
	if err != nil {
		return nil, fmt.Errorf("store: decode module code: %w", err)
	}
	code, err := bytecode.DecodeProgram(raw)
	if err != nil {
		return nil, fmt.Errorf("store: decode module code: %w", err)
	}
	return &bytecode.Module{
		Code:      code,
		Symbols:   rec.Symbols,
		Externals: rec.Externals,
		Labels:    rec.Labels,
		BuildHash: rec.BuildHash,
		Version:   rec.Version,
	}, nil
}
