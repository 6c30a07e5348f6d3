package worker

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
)

// jobLog appends entries to the job store and mirrors them to zap. It is safe
// for concurrent use; ordering between concurrent writers is whatever the
// store's per-job lock decides.
type jobLog struct {
	ctx    context.Context
	store  crawler.JobStore
	jobID  string
	logger *zap.Logger
}

func newJobLog(ctx context.Context, store crawler.JobStore, jobID string, logger *zap.Logger) *jobLog {
	return &jobLog{
		// Log lines written while a job is being aborted must still land.
		ctx:    context.WithoutCancel(ctx),
		store:  store,
		jobID:  jobID,
		logger: logger.With(zap.String("job_id", jobID)),
	}
}

// Log implements crawler.JobLogger.
func (l *jobLog) Log(level crawler.LogLevel, msg string) {
	if ce := l.logger.Check(zapLevel(level), msg); ce != nil {
		ce.Write()
	}
	if err := l.store.AppendLog(l.ctx, l.jobID, crawler.LogEntry{Level: level, Message: msg}); err != nil {
		l.logger.Warn("append job log failed", zap.Error(err))
	}
}

func zapLevel(level crawler.LogLevel) zapcore.Level {
	switch level {
	case crawler.LevelDebug:
		return zapcore.DebugLevel
	case crawler.LevelWarn:
		return zapcore.WarnLevel
	case crawler.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
