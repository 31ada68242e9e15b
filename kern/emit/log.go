package emit

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

// LogEmitter implements Emitter on top of a zerolog.Logger, the way the
// rest of the pack's executors log structured fields per call
// (log.Debug().Str(...).Msg(...)) rather than formatting text by hand.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter builds a LogEmitter writing to w. jsonMode selects
// zerolog's default JSON encoding; otherwise output goes through
// zerolog.ConsoleWriter for human-readable text.
func NewLogEmitter(w *os.File, jsonMode bool) *LogEmitter {
	if w == nil {
		w = os.Stdout
	}
	if jsonMode {
		return &LogEmitter{logger: zerolog.New(w).With().Timestamp().Logger()}
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return &LogEmitter{logger: zerolog.New(console).With().Timestamp().Logger()}
}

// Emit writes one event as a structured log line. Severity in Meta
// ("debug", "warn", "error") selects the zerolog level; other events
// log at info.
func (l *LogEmitter) Emit(event Event) {
	l.logEvent(event)
}

func (l *LogEmitter) logEvent(event Event) {
	logLevel := l.levelFor(event)
	logCtx := l.logger.WithLevel(logLevel).
		Str("run_id", event.RunID).
		Int("step", event.Step).
		Str("node_id", event.NodeID)

	for k, v := range event.Meta {
		if k == "severity" {
			continue
		}
		logCtx = logCtx.Interface(k, v)
	}
	logCtx.Msg(event.Msg)
}

func (l *LogEmitter) levelFor(event Event) zerolog.Level {
	if _, ok := event.Meta["error"]; ok {
		return zerolog.ErrorLevel
	}
	sev, _ := event.Meta["severity"].(string)
	switch sev {
	case "warning", "warn":
		return zerolog.WarnLevel
	case "error", "fatal":
		return zerolog.ErrorLevel
	case "debug":
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// EmitBatch logs every event in order.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		l.logEvent(event)
	}
	return nil
}

// Flush is a no-op: zerolog writes synchronously through the underlying
// writer with no internal buffering of its own.
func (l *LogEmitter) Flush(_ context.Context) error {
	return nil
}
