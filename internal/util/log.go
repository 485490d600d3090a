package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

type level int

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
)

// emit prints msg on pterm's default logger with optional structured fields.
func emit(lvl level, msg string, fields []pterm.LoggerArgument) {
	l := pterm.DefaultLogger
	switch lvl {
	case levelDebug:
		l.Debug(msg, fields)
	case levelInfo:
		l.Info(msg, fields)
	case levelWarn:
		l.Warn(msg, fields)
	default:
		l.Error(msg, fields)
	}
}

// Process-level helpers, used by the CLI for user facing lines.

func LogDebug(format string, args ...interface{}) {
	emit(levelDebug, fmt.Sprintf(format, args...), nil)
}

func LogInfo(format string, args ...interface{}) {
	emit(levelInfo, fmt.Sprintf(format, args...), nil)
}

func LogWarning(format string, args ...interface{}) {
	emit(levelWarn, fmt.Sprintf(format, args...), nil)
}

func LogError(format string, args ...interface{}) {
	emit(levelError, fmt.Sprintf(format, args...), nil)
}

// LogSuccess marks a milestone; pterm's logger has no success level.
func LogSuccess(format string, args ...interface{}) {
	emit(levelInfo, fmt.Sprintf(format, args...), pterm.DefaultLogger.Args("status", "ok"))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DebugEnabled reports whether debug messages are currently printed.
func DebugEnabled() bool {
	lvl := pterm.DefaultLogger.Level
	return lvl != pterm.LogLevelDisabled && lvl <= pterm.LogLevelDebug
}

// Scoped is a component logger. Its name is attached to every line as the
// "component" field.
type Scoped string

func (s Scoped) fields() []pterm.LoggerArgument {
	return pterm.DefaultLogger.Args("component", string(s))
}

func (s Scoped) Debug(format string, args ...interface{}) {
	if !DebugEnabled() {
		return
	}
	emit(levelDebug, fmt.Sprintf(format, args...), s.fields())
}

func (s Scoped) Info(format string, args ...interface{}) {
	emit(levelInfo, fmt.Sprintf(format, args...), s.fields())
}

func (s Scoped) Warn(format string, args ...interface{}) {
	emit(levelWarn, fmt.Sprintf(format, args...), s.fields())
}

func (s Scoped) Error(format string, args ...interface{}) {
	emit(levelError, fmt.Sprintf(format, args...), s.fields())
}
