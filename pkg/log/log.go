package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithQueue creates a child logger with queue field
func WithQueue(queue string) *zerolog.Logger {
	l := Logger.With().Str("queue", queue).Logger()
	return &l
}

// WithWorkerID creates a child logger with worker_id field
func WithWorkerID(workerID string) *zerolog.Logger {
	l := Logger.With().Str("worker_id", workerID).Logger()
	return &l
}

// WithEnvelopeID creates a child logger with envelope_id field
func WithEnvelopeID(envelopeID string) *zerolog.Logger {
	l := Logger.With().Str("envelope_id", envelopeID).Logger()
	return &l
}

// WithInstanceID creates a child logger with workflow instance_id field
func WithInstanceID(instanceID string) *zerolog.Logger {
	l := Logger.With().Str("instance_id", instanceID).Logger()
	return &l
}

func init() {
	// Sensible default until Init is called explicitly
	Init(Config{Level: InfoLevel, JSONOutput: false})
}
