package emit

import "context"

// Emitter receives observability events from a running engine or VM.
// Implementations must not block execution and must not panic.
type Emitter interface {
	// Emit sends a single event to the backend.
	Emit(event Event)

	// EmitBatch sends events in order, as a single operation. Individual
	// event failures are logged internally, not returned; an error
	// return is reserved for configuration-level failures.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until all buffered events are delivered or ctx
	// expires. Safe to call multiple times.
	Flush(ctx context.Context) error
}
