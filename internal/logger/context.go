package logger

import (
	"context"
	"fmt"
	"log/slog"
)

type contextKey struct{}

// defaultLogger is returned by FromContext when no Logger was attached.
var defaultLogger = NewLogger()

// WithLogger attaches a Logger to ctx for retrieval by the package-level
// helpers (Info, Debug, Warn, Error and their f-variants) below.
func WithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the Logger attached to ctx, or a default one that
// logs info-and-above, text-formatted, to stderr.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(contextKey{}).(Logger); ok {
		return l
	}
	return defaultLogger
}

// Debug logs at debug level using the Logger found on ctx.
func Debug(ctx context.Context, msg string, args ...any) { rawArgs(ctx, slog.LevelDebug, msg, args) }

// Info logs at info level using the Logger found on ctx.
func Info(ctx context.Context, msg string, args ...any) { rawArgs(ctx, slog.LevelInfo, msg, args) }

// Warn logs at warn level using the Logger found on ctx.
func Warn(ctx context.Context, msg string, args ...any) { rawArgs(ctx, slog.LevelWarn, msg, args) }

// Error logs at error level using the Logger found on ctx.
func Error(ctx context.Context, msg string, args ...any) { rawArgs(ctx, slog.LevelError, msg, args) }

func rawArgs(ctx context.Context, level slog.Level, msg string, args []any) {
	l := FromContext(ctx)
	sl, ok := l.(*slogLogger)
	if !ok {
		switch level {
		case slog.LevelDebug:
			l.Debug(msg, args...)
		case slog.LevelWarn:
			l.Warn(msg, args...)
		case slog.LevelError:
			l.Error(msg, args...)
		default:
			l.Info(msg, args...)
		}
		return
	}
	sl.log(level, ctxSkipFrames, msg, args...)
}

// Debugf logs a formatted message at debug level using the Logger on ctx.
func Debugf(ctx context.Context, format string, args ...any) {
	rawArgs(ctx, slog.LevelDebug, fmt.Sprintf(format, args...), nil)
}

// Infof logs a formatted message at info level using the Logger on ctx.
func Infof(ctx context.Context, format string, args ...any) {
	rawArgs(ctx, slog.LevelInfo, fmt.Sprintf(format, args...), nil)
}

// Warnf logs a formatted message at warn level using the Logger on ctx.
func Warnf(ctx context.Context, format string, args ...any) {
	rawArgs(ctx, slog.LevelWarn, fmt.Sprintf(format, args...), nil)
}

// Errorf logs a formatted message at error level using the Logger on ctx.
func Errorf(ctx context.Context, format string, args ...any) {
	rawArgs(ctx, slog.LevelError, fmt.Sprintf(format, args...), nil)
}
