package store

import (
	"context"
	"fmt"

	"github.com/kern-lang/kern/kern/emit"
	"golang.org/x/sync/singleflight"
)

// OutboxFlusher drains a Store's pending event outbox into an
// emit.Emitter. Concurrent Flush calls for the same store collapse
// into a single drain via singleflight, so a busy run doesn't queue up
// redundant flushes against the same backend.
type OutboxFlusher struct {
	store   Store
	emitter emit.Emitter
	batch   int
	group   singleflight.Group
}

// NewOutboxFlusher returns a flusher that drains up to batch pending
// events per call. A non-positive batch means no limit.
func NewOutboxFlusher(store Store, emitter emit.Emitter, batch int) *OutboxFlusher {
	return &OutboxFlusher{store: store, emitter: emitter, batch: batch}
}

// Flush drains pending events and hands them to the emitter, marking
// them emitted on success. It returns the number of events flushed.
func (f *OutboxFlusher) Flush(ctx context.Context) (int, error) {
	result, err, _ := f.group.Do("flush", func() (interface{}, error) {
		return f.flushOnce(ctx)
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

func (f *OutboxFlusher) flushOnce(ctx context.Context) (int, error) {
	events, err := f.store.PendingEvents(ctx, f.batch)
	if err != nil {
		return 0, fmt.Errorf("store: outbox flush: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	if err := f.emitter.EmitBatch(ctx, events); err != nil {
		return 0, fmt.Errorf("store: outbox flush: emit batch: %w", err)
	}

	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = outboxEventID(e)
	}
	if err := f.store.MarkEventsEmitted(ctx, ids); err != nil {
		return 0, fmt.Errorf("store: outbox flush: mark emitted: %w", err)
	}
	return len(events), nil
}

// outboxEventID derives a stable identifier for an event from its
// run/step/node coordinates, matching how callers key PushEvent.
func outboxEventID(e emit.Event) string {
	return fmt.Sprintf("%s:%d:%s", e.RunID, e.Step, e.NodeID)
}
