// Package logging configures the process-wide zerolog logger. Components
// obtain child loggers tagged with their name so log lines can be filtered
// per subsystem.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger. Init must be called before use; until then it
// writes to stderr at info level.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	JSONOutput bool
	Output     io.Writer
}

// Init initialises the root logger. JSON output is the default for service
// deployments; console output is for interactive runs.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithHost returns a child logger tagged with a host identity.
func WithHost(hostID int64, ip string) zerolog.Logger {
	return Logger.With().Int64("host_id", hostID).Str("ip", ip).Logger()
}

// WithJob returns a child logger tagged with a queue job.
func WithJob(queue, jobID string) zerolog.Logger {
	return Logger.With().Str("queue", queue).Str("job_id", jobID).Logger()
}
