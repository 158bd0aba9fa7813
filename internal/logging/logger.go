package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/kingrea/batchflow/internal/config"
)

// FileName is the per-pipeline run log under <output>/<pipeline>/logs.
const FileName = "batchflow.log"

// Logger owns the root zerolog logger and the run log file handle so the
// file can be inspected after the driver exits.
type Logger struct {
	zerolog.Logger
	file *os.File
	path string
}

// Options configures New.
type Options struct {
	// Console receives human readable output. Nil disables the console stream.
	Console io.Writer
	// Dir holds the JSON run log. Empty disables the file stream.
	Dir     string
	Verbose bool
}

// New builds the root logger from the logging section.
func New(cfg config.LoggingConfig, opts Options) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if opts.Verbose {
		level = zerolog.DebugLevel
	}

	var writers []io.Writer
	if opts.Console != nil {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        opts.Console,
			TimeFormat: "15:04:05",
			NoColor:    cfg.NoColor,
		})
	}

	l := &Logger{}
	if opts.Dir != "" && cfg.File {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: ensure log dir: %w", err)
		}
		l.path = filepath.Join(opts.Dir, FileName)
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		l.file = f
		writers = append(writers, f)
	}

	var out io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}
	l.Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return l, nil
}

// Nop returns a logger that drops everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// Path returns the run log file location, empty when file logging is off.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Component tags a logger with a component field.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
