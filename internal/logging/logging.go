// Package logging builds the zerolog loggers used across fieldsync.
//
// Logs go to stderr by default. When a file is configured, output is written
// through a lumberjack rotating writer and, optionally, mirrored to a console
// writer on stderr.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log level and destination.
type Config struct {
	// Level is a zerolog level name (debug, info, warn, error). Default: info
	Level string

	// File enables rotating file output when non-empty.
	File string

	// MaxSizeMB is the size at which the log file is rotated. Default: 10
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept. Default: 3
	MaxBackups int

	// MaxAgeDays is how long rotated files are kept. Default: 28
	MaxAgeDays int

	// Console mirrors output to a human-readable writer on stderr.
	Console bool
}

// New returns a logger for cfg and a closer that flushes the log file.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = lvl
	}

	var (
		writers []io.Writer
		closer  io.Closer = nopCloser{}
	)

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 10),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   true,
		}
		writers = append(writers, rotator)
		closer = rotator
	}
	if cfg.Console || cfg.File == "" {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}

	var out io.Writer = writers[0]
	if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

var (
	defaultOnce   sync.Once
	defaultLogger zerolog.Logger
)

// Default returns the process-wide fallback logger used when a component is
// constructed without one.
func Default() zerolog.Logger {
	defaultOnce.Do(func() {
		defaultLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
			Level(zerolog.InfoLevel).With().Timestamp().Logger()
	})
	return defaultLogger
}

// Component returns l tagged with a component name. A nil l falls back to Default.
func Component(l *zerolog.Logger, name string) zerolog.Logger {
	base := Default()
	if l != nil {
		base = *l
	}
	return base.With().Str("component", name).Logger()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
