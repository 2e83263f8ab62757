package twom

import (
	"context"
	"log/slog"
	"os"
)

// DiagnosticSink receives diagnostic records from the engine; the only
// event currently reported is the start of recovery of a dirty
// database. It is a side channel only (spec §9, "External
// error-handler callback") — it never changes what an operation
// returns, and a nil sink (the default) simply discards everything.
type DiagnosticSink interface {
	Diagnostic(level slog.Level, msg string, args ...any)
}

// slogSink adapts a *slog.Logger to DiagnosticSink, following the
// pattern in other_examples/twlk9-lgdb's *slog.Logger field: a text
// handler on stderr by default, installable by the caller.
type slogSink struct {
	logger *slog.Logger
}

// NewSlogDiagnostics wraps logger as a DiagnosticSink. A nil logger
// gets a slog.NewTextHandler(os.Stderr) at warn level, matching the
// pack's default construction for this kind of embedded-store logger.
func NewSlogDiagnostics(logger *slog.Logger) DiagnosticSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	return &slogSink{logger: logger}
}

func (s *slogSink) Diagnostic(level slog.Level, msg string, args ...any) {
	s.logger.Log(context.Background(), level, msg, args...)
}

// diag emits a diagnostic through cfg's sink, if any, and is a no-op
// otherwise. Callers never check its return: diagnostics cannot fail.
func diag(sink DiagnosticSink, level slog.Level, msg string, args ...any) {
	if sink == nil {
		return
	}
	sink.Diagnostic(level, msg, args...)
}
