// Package emit provides the observability event bus for rule engine and VM
// execution: rule firings, constraint violations, flow steps, and VM traps
// all flow through an Emitter.
package emit

// Event is one observability event raised during a run.
type Event struct {
	// RunID identifies the engine run that raised this event.
	RunID string

	// Step is the sequential engine step number (1-indexed). Zero for
	// run-level events (start, complete, error).
	Step int

	// NodeID names the rule, flow, or constraint that raised the event.
	// Empty for run-level events.
	NodeID string

	// Msg is a short machine-checkable event name, e.g. "rule_fired",
	// "constraint_violated", "vm_halted".
	Msg string

	// Meta carries event-specific structured data. Common keys:
	// "severity", "error", "step_count", "duration_ms".
	Meta map[string]interface{}
}
