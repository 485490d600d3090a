package transport

import (
	"github.com/pion/logging"

	"github.com/1ureka/duocall/internal/util"
)

// loggerFactory routes pion's internal logging through the application
// logger. Pion's info level is chatty, so it is demoted to debug; trace is
// dropped.
type loggerFactory struct{}

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{scope: util.Scoped("pion/" + scope)}
}

type pionLogger struct {
	scope util.Scoped
}

func (pionLogger) Trace(string)                  {}
func (pionLogger) Tracef(string, ...interface{}) {}

func (l pionLogger) Debug(msg string)                          { l.scope.Debug("%s", msg) }
func (l pionLogger) Debugf(format string, args ...interface{}) { l.scope.Debug(format, args...) }
func (l pionLogger) Info(msg string)                           { l.scope.Debug("%s", msg) }
func (l pionLogger) Infof(format string, args ...interface{})  { l.scope.Debug(format, args...) }
func (l pionLogger) Warn(msg string)                           { l.scope.Warn("%s", msg) }
func (l pionLogger) Warnf(format string, args ...interface{})  { l.scope.Warn(format, args...) }
func (l pionLogger) Error(msg string)                          { l.scope.Error("%s", msg) }
func (l pionLogger) Errorf(format string, args ...interface{}) { l.scope.Error(format, args...) }
