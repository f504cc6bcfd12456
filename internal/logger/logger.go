package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"time"
)

// Logger writes one JSON object per event with service, hostname, action and
// the ref (order, draft or delivery) the event is about.
type Logger struct {
	service  string
	hostname string
	handler  *slog.Logger
}

func NewLogger(service string) *Logger {
	return New(service, os.Stdout, slog.LevelDebug)
}

// New builds a Logger writing to w at the given minimum level.
func New(service string, w io.Writer, level slog.Level) *Logger {
	hostname, _ := os.Hostname()

	handler := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))

	return &Logger{
		service:  service,
		hostname: hostname,
		handler:  handler,
	}
}

// Discard returns a Logger that drops everything. Used by tests.
func Discard() *Logger {
	return New("test", io.Discard, slog.LevelError+1)
}

func (l *Logger) Info(action, ref, message string, attrs ...slog.Attr) {
	l.log(slog.LevelInfo, action, ref, message, attrs)
}

func (l *Logger) Debug(action, ref, message string, attrs ...slog.Attr) {
	l.log(slog.LevelDebug, action, ref, message, attrs)
}

func (l *Logger) Warn(action, ref, message string, attrs ...slog.Attr) {
	l.log(slog.LevelWarn, action, ref, message, attrs)
}

func (l *Logger) Error(action, ref, message string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append(attrs, slog.Group("error",
			slog.String("msg", err.Error()),
			slog.String("stack", string(debug.Stack())),
		))
	}
	l.log(slog.LevelError, action, ref, message, attrs)
}

func (l *Logger) log(level slog.Level, action, ref, message string, attrs []slog.Attr) {
	if l == nil {
		return
	}
	base := []slog.Attr{
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
		slog.String("service", l.service),
		slog.String("hostname", l.hostname),
		slog.String("action", action),
		slog.String("ref", ref),
	}
	l.handler.LogAttrs(context.Background(), level, message, append(base, attrs...)...)
}
