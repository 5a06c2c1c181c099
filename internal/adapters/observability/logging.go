package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// IsDev reports whether env names a local development environment.
func IsDev(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "local":
		return true
	}
	return false
}

// NewLogger builds the process logger: console output with caller info in
// development, JSON lines tagged with service and env elsewhere. Unknown or
// empty levels fall back to info.
func NewLogger(env, level string) zerolog.Logger {
	return newLogger(os.Stdout, env, level)
}

func newLogger(out io.Writer, env, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.DurationFieldUnit = time.Millisecond

	if IsDev(env) {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}).
			Level(lvl).With().Timestamp().Caller().Logger()
	}
	return zerolog.New(out).Level(lvl).With().
		Timestamp().
		Str("service", "campus-listings").
		Str("env", env).
		Logger()
}
