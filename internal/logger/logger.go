package logger

import (
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options control where logs go. The TUI owns the terminal, so node logs are
// written to a rotated file.
type Options struct {
	File       string
	Level      string
	MaxSizeMB  int
	MaxBackups int
}

// Init installs a text slog handler as the default logger and returns the
// writer so the caller can close it on exit.
func Init(opts Options) (io.WriteCloser, error) {
	if opts.File == "" {
		opts.File = "debug.log"
	}
	if opts.MaxSizeMB == 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups == 0 {
		opts.MaxBackups = 3
	}
	w := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	}
	l := New(w, opts.Level)
	slog.SetDefault(l)
	return w, nil
}

// New builds a text logger at the named level writing to w.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
