package logging

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Printf-style helpers over the global zerolog logger. Messages read
// "pkg.Type.method key=value", e.g. "cages.Allocator.Allocate overflow sex=male cage=3".

func Debugf(format string, args ...any) {
	log.Debug().Msg(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any) {
	log.Info().Msg(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	log.Warn().Msg(fmt.Sprintf(format, args...))
}

func Errf(format string, args ...any) {
	log.Error().Msg(fmt.Sprintf(format, args...))
}

// Logf has no level and survives SORTCTL_LOG_LEVEL=error; tests use it for
// the lines they want kept.
func Logf(format string, args ...any) {
	log.Log().Msg(fmt.Sprintf(format, args...))
}
