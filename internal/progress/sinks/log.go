package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mani1728/Mani-FAI-Client/internal/progress"
)

// LogSink writes run events to a structured log. Batch events go to debug so
// large rate syncs do not flood the info stream.
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
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StageBatchSent:
			level = zapcore.DebugLevel
		case progress.StageBatchFailed, progress.StageSyncEmpty:
			level = zapcore.WarnLevel
		case progress.StageSyncError:
			level = zapcore.ErrorLevel
		}
		ce := s.logger.Check(level, "sync progress")
		if ce == nil {
			continue
		}
		ce.Write(
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
			zap.String("kind", evt.Kind),
			zap.String("subject", evt.Subject),
			zap.Int64("login", evt.Login),
			zap.Int("current", evt.Current),
			zap.Int("total", evt.Total),
			zap.Int("records", evt.Records),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
