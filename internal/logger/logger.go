// Package logger builds the process logger. Components log through a child
// of it tagged with their name.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Level string
	Debug bool
	// Console writes human readable lines to stderr instead of JSON to stdout.
	Console bool
}

// New returns a logger writing to w at the configured level.
func New(config Config, w io.Writer) (zerolog.Logger, error) {
	level, err := parseLevel(config)
	if err != nil {
		return zerolog.Nop(), err
	}

	if config.Console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

func parseLevel(config Config) (zerolog.Level, error) {
	if config.Debug {
		return zerolog.DebugLevel, nil
	}

	if config.Level == "" {
		return zerolog.InfoLevel, nil
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log level %q: %w", config.Level, err)
	}

	return level, nil
}

// Init installs the configured logger as zerolog's global logger.
func Init(config Config) error {
	var w io.Writer = os.Stdout
	if config.Console {
		w = os.Stderr
	}

	l, err := New(config, w)
	if err != nil {
		return err
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = l

	return nil
}

// WithComponent returns the global logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}
