// Package logger builds the zerolog loggers handed to every component.
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
	Level      string `json:"level" yaml:"level"`
	Debug      bool   `json:"debug" yaml:"debug"`
	Output     string `json:"output" yaml:"output"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
}

var globalLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// New returns a logger for cfg. Output is "stderr" (default), "stdout" or
// "console" for human-readable stderr output.
func New(cfg Config) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}

	var output io.Writer
	switch cfg.Output {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	case "console":
		timeFormat := cfg.TimeFormat
		if timeFormat == "" {
			timeFormat = time.Kitchen
		}
		output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: timeFormat}
	default:
		return zerolog.Nop(), fmt.Errorf("log output %q: want stderr, stdout or console", cfg.Output)
	}

	if cfg.TimeFormat != "" && cfg.Output != "console" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger(), nil
}

// Init replaces the process-wide logger.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	globalLogger = l
	log.Logger = l
	return nil
}

func GetLogger() zerolog.Logger {
	return globalLogger
}

func WithComponent(component string) zerolog.Logger {
	return globalLogger.With().Str("component", component).Logger()
}

// NewTestLogger returns a logger that discards everything.
func NewTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}
