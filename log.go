package tds

import (
	"context"

	"github.com/tdscore/tds/internal/diag"
)

const (
	logErrors      = uint64(diag.LogErrors)
	logMessages    = uint64(diag.LogMessages)
	logRows        = uint64(diag.LogRows)
	logSQL         = uint64(diag.LogSQL)
	logParams      = uint64(diag.LogParams)
	logTransaction = uint64(diag.LogTransaction)
	logDebug       = uint64(diag.LogDebug)
)

// Logger is the legacy-style logging interface: a plain sink with no
// category information attached.
type Logger interface {
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

// ContextLogger is the structured logging interface: every call
// carries the request context and a category bitmask so the receiver
// can filter without the core needing to know what filtering looks
// like.
type ContextLogger interface {
	Log(ctx context.Context, category diag.Log, msg string)
}

// optionalCtxLogger implements ContextLogger with a default "do
// nothing" behavior that's overridden once a real ContextLogger is
// supplied. A session always has one of these (never a nil interface)
// so call sites never need a nil check.
type optionalCtxLogger struct {
	ctxLogger ContextLogger
}

func (o optionalCtxLogger) Log(ctx context.Context, category diag.Log, msg string) {
	if o.ctxLogger != nil {
		o.ctxLogger.Log(ctx, category, msg)
	}
}

// loggerAdapter adapts the legacy Logger interface to ContextLogger,
// discarding category and context information.
type loggerAdapter struct {
	logger Logger
}

func (la loggerAdapter) Log(_ context.Context, _ diag.Log, msg string) {
	la.logger.Println(msg)
}

// nullLogger is the zero-value Logger: every call is a no-op.
type nullLogger struct{}

func (nullLogger) Printf(format string, v ...interface{}) {}
func (nullLogger) Println(v ...interface{})               {}

// resolveContextLogger picks the ContextLogger a Session logs through,
// preferring cfg.ContextLogger, falling back to cfg.Logger adapted
// through loggerAdapter, and finally the no-op optionalCtxLogger so
// Session.logEvent never needs a nil check.
func resolveContextLogger(cfg *Config) ContextLogger {
	if cfg == nil {
		return optionalCtxLogger{}
	}
	if cfg.ContextLogger != nil {
		return cfg.ContextLogger
	}
	if cfg.Logger != nil {
		return loggerAdapter{logger: cfg.Logger}
	}
	return optionalCtxLogger{}
}
