// Package monitoring holds the process logger. Logf is the printf-style
// diagnostic hook used throughout the service; structured records (alerts,
// dispatches) go through the logrus logger returned by Logger.
package monitoring

import (
	"io"

	"github.com/sirupsen/logrus"
)

var std = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Logf is the package-level diagnostic logger. It defaults to the logrus
// standard output at info level but may be replaced by SetLogger. Tests or
// production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = std.Infof

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Logger returns the structured logger shared by the service.
func Logger() *logrus.Logger {
	return std
}

// SetOutput redirects the structured logger, e.g. to io.Discard in tests.
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

// SetLevel parses a level name ("debug", "info", "warn", ...) and applies it.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	std.SetLevel(lvl)
	return nil
}

// WithAlert returns an entry pre-populated with alert fields.
func WithAlert(id string, classID, frames int) *logrus.Entry {
	return std.WithFields(logrus.Fields{
		"alert_id": id,
		"class_id": classID,
		"frames":   frames,
	})
}

// WithMission returns an entry pre-populated with mission fields.
func WithMission(id, urgency string) *logrus.Entry {
	return std.WithFields(logrus.Fields{
		"mission_id": id,
		"urgency":    urgency,
	})
}
