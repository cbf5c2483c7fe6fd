package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

type Options struct {
	// Writer defaults to stderr.
	Writer    io.Writer
	Level     slog.Level
	AddSource bool
	NoColor   bool
}

// New returns a tint-backed logger.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	handler := tint.NewHandler(w, &tint.Options{
		Level:      opts.Level,
		TimeFormat: time.RFC3339,
		AddSource:  opts.AddSource,
		NoColor:    opts.NoColor,
	})
	return slog.New(handler)
}

var (
	defaultOnce   sync.Once
	defaultLogger *slog.Logger
)

// Default is the process logger used when a component gets no logger.
func Default() *slog.Logger {
	defaultOnce.Do(func() {
		defaultLogger = New(Options{Level: slog.LevelInfo, AddSource: true})
	})
	return defaultLogger
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *slog.Logger {
	return New(Options{Writer: io.Discard, Level: slog.LevelError + 4, NoColor: true})
}
