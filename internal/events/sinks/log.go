package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/scan-engine/internal/events"
)

// LogSink writes every lifecycle event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch, omitting empty fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{zap.String("kind", string(evt.Kind)), zap.Time("ts", evt.TS)}
		fields = appendString(fields, "task_id", evt.TaskID)
		fields = appendString(fields, "worker_id", evt.WorkerID)
		fields = appendString(fields, "resource_id", evt.ResourceID)
		fields = appendString(fields, "component", evt.Component)
		fields = appendString(fields, "from", evt.From)
		fields = appendString(fields, "to", evt.To)
		fields = appendString(fields, "note", evt.Note)
		if evt.Attempts > 0 {
			fields = append(fields, zap.Int("attempts", evt.Attempts))
		}
		s.logger.Debug("lifecycle event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func appendString(fields []zap.Field, key, value string) []zap.Field {
	if value == "" {
		return fields
	}
	return append(fields, zap.String(key, value))
}
