package internal

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns the process-wide structured logger. Unknown levels fall
// back to info.
func NewLogger(level string) zerolog.Logger {
	return newLogger(os.Stderr, level)
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func jobLogger(base zerolog.Logger, job Job) *zerolog.Logger {
	l := base.With().
		Str("job_id", job.ID.String()).
		Str("output_code", job.OutputCode).
		Logger()
	return &l
}
