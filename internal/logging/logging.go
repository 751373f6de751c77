// Package logging sets up the process-wide logrus logger, with the level
// resolved from MEGACMD_LOGLEVEL (§6.4: DEBUG, FULLDEBUG, VERBOSE,
// FULLVERBOSE, or unset for the default).
package logging

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds a configured *logrus.Logger. levelEnv is the raw value of
// MEGACMD_LOGLEVEL; an unrecognized or empty value falls back to Info,
// matching the daemon's default quiet operation.
func New(levelEnv string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	l.SetLevel(parseLevel(levelEnv))
	return l
}

func parseLevel(levelEnv string) logrus.Level {
	switch strings.ToUpper(strings.TrimSpace(levelEnv)) {
	case "FULLDEBUG":
		return logrus.TraceLevel
	case "DEBUG":
		return logrus.DebugLevel
	case "FULLVERBOSE":
		return logrus.DebugLevel
	case "VERBOSE":
		return logrus.InfoLevel
	case "":
		return logrus.InfoLevel
	default:
		return logrus.InfoLevel
	}
}
