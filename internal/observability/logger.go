package observability

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	loggerOnce sync.Once
	rootLogger zerolog.Logger
)

// InitLogger configures the process-wide structured logger. Safe to
// call more than once; only the first call takes effect.
func InitLogger(level string, pretty bool) {
	loggerOnce.Do(func() {
		lvl, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil || lvl == zerolog.NoLevel {
			lvl = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(lvl)

		var out = os.Stdout
		if pretty {
			rootLogger = zerolog.New(zerolog.ConsoleWriter{
				Out:        out,
				TimeFormat: time.RFC3339,
			}).With().Timestamp().Logger()
		} else {
			rootLogger = zerolog.New(out).With().Timestamp().Logger()
		}
		log.Logger = rootLogger
	})
}

// GetLogger returns the process logger, initializing defaults first if
// InitLogger was never called.
func GetLogger() zerolog.Logger {
	InitLogger("info", false)
	return rootLogger
}

// SessionLogger returns a child logger tagged with the broadcast
// session ID. Per-utterance loggers hang off this one.
func SessionLogger(sessionID string) zerolog.Logger {
	if sessionID == "" {
		sessionID = NewID()
	}
	return GetLogger().With().Str("session_id", sessionID).Logger()
}

// NewID generates a unique identifier for sessions and utterances.
func NewID() string {
	return uuid.New().String()
}
