package observability

import "log/slog"

// SlogLogger adapts a log/slog logger to the Logger seam. Binaries build
// a handler for their environment and install it with SetLogger.
type SlogLogger struct {
	base *slog.Logger
}

// NewSlogLogger wraps base. A nil base falls back to slog.Default().
func NewSlogLogger(base *slog.Logger) *SlogLogger {
	if base == nil {
		base = slog.Default()
	}
	return &SlogLogger{base: base}
}

func (l *SlogLogger) Debug(msg string, fields ...Field) {
	l.base.Debug(msg, slogArgs(fields)...)
}

func (l *SlogLogger) Info(msg string, fields ...Field) {
	l.base.Info(msg, slogArgs(fields)...)
}

func (l *SlogLogger) Error(msg string, fields ...Field) {
	l.base.Error(msg, slogArgs(fields)...)
}

func slogArgs(fields []Field) []any {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, slog.Any(f.Key, f.Value))
	}
	return args
}
