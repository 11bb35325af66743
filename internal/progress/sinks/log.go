package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/Veterun/RENDLER/internal/progress"
)

// LogSink emits one structured log line per event. It is useful during development
// or when no durable store is configured.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.TaskID != "" {
			fields = append(fields,
				zap.String("task_id", evt.TaskID),
				zap.String("kind", string(evt.Kind)),
				zap.Int("attempt", evt.Attempt),
			)
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if len(evt.Links) > 0 {
			fields = append(fields, zap.Int("links", len(evt.Links)))
		}
		if evt.Image != "" {
			fields = append(fields, zap.String("image", evt.Image))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
