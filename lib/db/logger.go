package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/onkernel/nodelab/lib/logger"
)

// DefaultSlowThreshold is the query duration above which a warning is logged.
const DefaultSlowThreshold = 200 * time.Millisecond

// queryLogger sends gorm's output to the slog logger carried by the query context.
// Missing records are expected results and never logged.
// Constraint violations are logged at debug level.
type queryLogger struct {
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

// NewLogger returns a gorm logger backed by logger.FromContext.
func NewLogger(level gormlogger.LogLevel, slowThreshold time.Duration) gormlogger.Interface {
	if slowThreshold <= 0 {
		slowThreshold = DefaultSlowThreshold
	}
	return &queryLogger{level: level, slowThreshold: slowThreshold}
}

func (l *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *queryLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		logger.FromContext(ctx).InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *queryLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		logger.FromContext(ctx).WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *queryLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		logger.FromContext(ctx).ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	log := logger.FromContext(ctx)

	switch {
	case err != nil && (IsUniqueViolation(err) || IsForeignKeyViolation(err)):
		// callers map these to conflicts
		sql, rows := fc()
		log.DebugContext(ctx, "query rejected by constraint", "sql", sql, "rows", rows, "duration", elapsed, "error", err)
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		sql, rows := fc()
		log.ErrorContext(ctx, "query failed", "sql", sql, "rows", rows, "duration", elapsed, "error", err)
	case elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		log.WarnContext(ctx, "slow query", "sql", sql, "rows", rows, "duration", elapsed, "threshold", l.slowThreshold)
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		log.DebugContext(ctx, "query", "sql", sql, "rows", rows, "duration", elapsed)
	}
}
