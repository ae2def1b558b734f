package db

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type contextKeyType string

const queryStartKey contextKeyType = "query_start"

type queryStart struct {
	sql string
	at  time.Time
}

// QueryRecorder receives the duration of every query by statement type.
type QueryRecorder interface {
	RecordDBQuery(queryType string, duration time.Duration)
}

// SlowQueryLogger is a pgx tracer that warns about queries slower than the
// threshold and feeds durations to an optional recorder.
type SlowQueryLogger struct {
	logger    *zap.Logger
	threshold time.Duration
	recorder  QueryRecorder
}

func NewSlowQueryLogger(logger *zap.Logger, threshold time.Duration, recorder QueryRecorder) *SlowQueryLogger {
	return &SlowQueryLogger{
		logger:    logger,
		threshold: threshold,
		recorder:  recorder,
	}
}

func (s *SlowQueryLogger) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey, queryStart{sql: data.SQL, at: time.Now()})
}

func (s *SlowQueryLogger) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey).(queryStart)
	if !ok {
		return
	}

	duration := time.Since(start.at)
	if s.recorder != nil {
		s.recorder.RecordDBQuery(statementType(start.sql), duration)
	}

	if s.threshold > 0 && duration > s.threshold {
		s.logger.Warn("slow query detected",
			zap.Duration("duration", duration),
			zap.String("sql", start.sql),
			zap.String("command_tag", data.CommandTag.String()),
			zap.Error(data.Err),
		)
	}
}

// statementType is the lower-cased leading keyword of a statement.
func statementType(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	switch kw := strings.ToLower(fields[0]); kw {
	case "select", "insert", "update", "delete", "with", "create", "alter":
		return kw
	default:
		return "other"
	}
}
