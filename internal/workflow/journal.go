package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/runstore"
)

// journal appends run log entries to the store and mirrors them to zap
type journal struct {
	store *runstore.Store
	log   *zap.Logger
	now   func() time.Time
}

func (j *journal) record(ctx context.Context, adwID string, phase domain.Phase, level domain.LogLevel, msg string, fields map[string]any) {
	entry := &domain.LogEntry{
		ADWID:     adwID,
		Phase:     phase,
		Timestamp: j.now(),
		Level:     level,
		Message:   msg,
		Context:   fields,
	}

	zfields := []zap.Field{zap.String("adw_id", adwID)}
	if phase != "" {
		zfields = append(zfields, zap.String("phase", string(phase)))
	}
	if ce := j.log.Check(zapLevel(level), msg); ce != nil {
		ce.Write(zfields...)
	}

	if err := j.store.AppendLog(ctx, entry); err != nil {
		j.log.Warn("failed to persist run log", append(zfields, zap.Error(err))...)
	}
}

func zapLevel(level domain.LogLevel) zapcore.Level {
	switch level {
	case domain.LevelDebug:
		return zapcore.DebugLevel
	case domain.LevelWarning:
		return zapcore.WarnLevel
	case domain.LevelError, domain.LevelCritical:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
