// Package logger provides the structured logging used throughout nexus. It
// wraps log/slog so call sites get a small, stable interface while the
// underlying handler can fan out to multiple destinations (console, log
// file) via samber/slog-multi.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

// Logger is the interface every nexus component logs through. It never
// panics and never blocks on a slow sink beyond the sink's own write.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)

	With(args ...any) Logger
	WithGroup(name string) Logger
}

type options struct {
	debug   bool
	quiet   bool
	format  string
	writer  io.Writer
	logFile *os.File
}

// Option configures a Logger built with NewLogger.
type Option func(*options)

// WithDebug enables debug-level output and source file/line annotation.
func WithDebug() Option { return func(o *options) { o.debug = true } }

// WithQuiet suppresses the default stderr sink, useful in tests that only
// care about a writer passed via WithWriter.
func WithQuiet() Option { return func(o *options) { o.quiet = true } }

// WithFormat selects "text" (default) or "json" output.
func WithFormat(format string) Option { return func(o *options) { o.format = format } }

// WithWriter adds an additional sink that receives every record.
func WithWriter(w io.Writer) Option { return func(o *options) { o.writer = w } }

// WithLogFile tees output to an open file, in addition to stderr/writer.
func WithLogFile(f *os.File) Option { return func(o *options) { o.logFile = f } }

// NewLogger builds a Logger from the given options. With no options it logs
// info-and-above, text-formatted, to stderr.
func NewLogger(opts ...Option) Logger {
	o := &options{format: "text"}
	for _, opt := range opts {
		opt(o)
	}

	level := slog.LevelInfo
	if o.debug {
		level = slog.LevelDebug
	}

	var sinks []io.Writer
	if !o.quiet {
		sinks = append(sinks, os.Stderr)
	}
	if o.writer != nil {
		sinks = append(sinks, o.writer)
	}
	if o.logFile != nil {
		sinks = append(sinks, o.logFile)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, io.Discard)
	}

	var handlers []slog.Handler
	for _, w := range sinks {
		handlers = append(handlers, newHandler(w, level, o.format, o.debug))
	}

	var h slog.Handler
	if len(handlers) == 1 {
		h = handlers[0]
	} else {
		h = slogmulti.Fanout(handlers...)
	}

	return &slogLogger{base: slog.New(h)}
}

func newHandler(w io.Writer, level slog.Level, format string, addSource bool) slog.Handler {
	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: addSource,
	}
	if format == "json" {
		return slog.NewJSONHandler(w, handlerOpts)
	}
	return slog.NewTextHandler(w, handlerOpts)
}

// slogLogger adapts *slog.Logger to Logger, fixing up the call-site PC so
// AddSource reports the caller of Logger, never a frame inside this package.
type slogLogger struct {
	base *slog.Logger
}

// skipFrames is the runtime.Callers skip count that lands on the direct
// caller of a Logger method (Debug/Info/Warn/Error and their f-variants).
// Package-level context helpers in context.go add one more hop and use
// ctxSkipFrames instead.
const skipFrames = 4

// ctxSkipFrames accounts for the extra frame introduced by the context.go
// package-level functions (Info(ctx, ...) etc.) calling through to Logger.
const ctxSkipFrames = skipFrames + 1

func callerPC(skip int) uintptr {
	var pcs [1]uintptr
	runtime.Callers(skip, pcs[:])
	return pcs[0]
}

func (l *slogLogger) log(level slog.Level, skip int, msg string, args ...any) {
	if !l.base.Enabled(context.Background(), level) {
		return
	}
	r := slog.NewRecord(time.Now(), level, msg, callerPC(skip))
	r.Add(args...)
	_ = l.base.Handler().Handle(context.Background(), r)
}

func (l *slogLogger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, skipFrames, msg, args...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, skipFrames, msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, skipFrames, msg, args...) }
func (l *slogLogger) Error(msg string, args ...any) { l.log(slog.LevelError, skipFrames, msg, args...) }

func (l *slogLogger) Debugf(format string, args ...any) {
	l.log(slog.LevelDebug, skipFrames, fmt.Sprintf(format, args...))
}
func (l *slogLogger) Infof(format string, args ...any) {
	l.log(slog.LevelInfo, skipFrames, fmt.Sprintf(format, args...))
}
func (l *slogLogger) Warnf(format string, args ...any) {
	l.log(slog.LevelWarn, skipFrames, fmt.Sprintf(format, args...))
}
func (l *slogLogger) Errorf(format string, args ...any) {
	l.log(slog.LevelError, skipFrames, fmt.Sprintf(format, args...))
}

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{base: l.base.With(args...)}
}

func (l *slogLogger) WithGroup(name string) Logger {
	return &slogLogger{base: l.base.WithGroup(name)}
}
