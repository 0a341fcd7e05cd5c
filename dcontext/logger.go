// Package dcontext carries a request-scoped structured logger through a
// context.Context, the way every other package in this registry expects
// to find one: attached once at the top of a request and read by value
// all the way down.
package dcontext

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	defaultLogger   = logrus.StandardLogger().WithField("go.version", runtime.Version())
	defaultLoggerMu sync.RWMutex
)

type loggerKey struct{}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// WithFields returns ctx with a logger that always includes fields, derived
// from whatever logger is already attached (or the default logger).
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	return WithLogger(ctx, GetLogger(ctx).WithFields(fields))
}

// GetLogger returns the logger attached to ctx, or the default logger if
// none is attached. Extra keys are resolved against ctx and folded in as
// fields.
func GetLogger(ctx context.Context, keys ...any) *logrus.Entry {
	logger, ok := ctx.Value(loggerKey{}).(*logrus.Entry)
	if !ok {
		defaultLoggerMu.RLock()
		logger = defaultLogger
		defaultLoggerMu.RUnlock()
	}

	if len(keys) == 0 {
		return logger
	}

	fields := logrus.Fields{}
	for _, key := range keys {
		if v := ctx.Value(key); v != nil {
			fields[fmt.Sprint(key)] = v
		}
	}
	return logger.WithFields(fields)
}

// SetDefaultLogger replaces the process-wide fallback logger used when no
// logger has been attached to a context.
func SetDefaultLogger(entry *logrus.Entry) {
	defaultLoggerMu.Lock()
	defaultLogger = entry
	defaultLoggerMu.Unlock()
}
