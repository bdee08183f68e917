// Package logging sets up the structured logger and the file based debug log.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ccmlink/config"
)

// Setup creates a zerolog logger writing to stdout according to cfg.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	return SetupWriter(cfg, os.Stdout)
}

// SetupWriter is Setup with an explicit console writer. The terminal UI
// passes its log pane here so that log lines do not corrupt the screen.
func SetupWriter(cfg config.LoggingConfig, out io.Writer) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	console := out
	if strings.EqualFold(cfg.Format, "text") || cfg.Format == "" {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: out != os.Stdout}
	}

	writers := []io.Writer{console}
	cleanup := func() {}

	if cfg.File != "" {
		fl, err := NewFileLogger(cfg.File)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writers = append(writers, fl)
		cleanup = func() { fl.Close() }
	}

	multi := zerolog.MultiLevelWriter(writers...)
	logger := zerolog.New(multi).With().Timestamp().Logger().Level(level)
	return logger, cleanup, nil
}

// LogFunc adapts a zerolog logger to the printf style callback accepted by
// SetLogFunc throughout the code base.
func LogFunc(logger zerolog.Logger, component string) func(format string, args ...interface{}) {
	l := logger.With().Str("component", component).Logger()
	return func(format string, args ...interface{}) {
		l.Info().Msgf(format, args...)
	}
}
