package sink

import (
	"context"
	"log/slog"
)

// Log writes each snapshot as a structured log line.
type Log struct {
	logger   *slog.Logger
	level    slog.Level
	instance string
}

// NewLog creates a sink that logs snapshots at info level.
func NewLog(logger *slog.Logger, instance string) *Log {
	return &Log{
		logger:   logger.With("component", "sink.log"),
		level:    slog.LevelInfo,
		instance: instance,
	}
}

// Accept logs s.
func (l *Log) Accept(s Snapshot) {
	attrs := []slog.Attr{
		slog.String("id", s.ID()),
		slog.String("name", s.Name()),
		slog.String("instance", l.instance),
		slog.Int64("ts", s.Timestamp().UnixMilli()),
		slog.Any("value", s.Values()),
	}
	if p, ok := s.Percentiles(); ok {
		attrs = append(attrs, slog.Group("percentiles",
			slog.Int64("p50", p.P50),
			slog.Int64("p95", p.P95),
			slog.Int64("p99", p.P99),
		))
	}
	l.logger.LogAttrs(context.Background(), l.level, "metrics snapshot", attrs...)
}
