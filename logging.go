package pollset

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// logger backs the package's internal diagnostics: retried EINTR, a kernel
// delete that failed during Clean, and the last line logged before an
// invariant-violation panic. It never carries information that is also
// returned through an error value; registration and poll results always flow
// through return values, matching the restraint of the teacher's own
// logging (a single log.Println on an unexpected poll error).
var logger atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).
		With().
		Timestamp().
		Str("component", "pollset").
		Logger().
		Level(zerolog.WarnLevel)
	logger.Store(&l)
}

// SetLogger replaces the package-level diagnostic logger. It is safe to call
// from any goroutine. Every diagnostic loads the current logger when it is
// written, so the new logger also applies to a Poll already in progress.
func SetLogger(l zerolog.Logger) {
	logger.Store(&l)
}

// Logger returns the current diagnostic logger.
func Logger() zerolog.Logger {
	return *logger.Load()
}

func log() *zerolog.Logger {
	return logger.Load()
}
