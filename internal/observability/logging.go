package observability

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	baseMu sync.RWMutex
	base   = zerolog.New(os.Stdout).Level(levelFromEnv())
)

// ConfigureLogging sets the level and sink every component logger created
// afterwards inherits. Loggers already handed out keep their old settings,
// so call it before wiring components.
func ConfigureLogging(level string, w io.Writer) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	if w == nil {
		w = os.Stdout
	}
	baseMu.Lock()
	base = zerolog.New(w).Level(lvl)
	baseMu.Unlock()
	return nil
}

// NewLogger returns a JSON logger tagged with component. The level comes
// from ConfigureLogging, or EQUALIS_LOG_LEVEL when it was never called.
func NewLogger(component string) zerolog.Logger {
	baseMu.RLock()
	l := base
	baseMu.RUnlock()
	return l.With().Timestamp().Str("component", component).Logger()
}

// ParseLevel accepts debug, info, warn and error. Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch s {
	case "":
		return zerolog.InfoLevel, nil
	case "debug", "info", "warn", "error":
		return zerolog.ParseLevel(s)
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

func levelFromEnv() zerolog.Level {
	lvl, err := ParseLevel(os.Getenv("EQUALIS_LOG_LEVEL"))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
