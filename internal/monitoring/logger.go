// Package monitoring holds the process-wide diagnostic logger used by the
// device and scan packages.
package monitoring

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logf is the package-level diagnostic logger. It defaults to the logrus
// standard logger at info level but may be replaced by SetLogger. Tests or
// production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = logrus.Infof

// mutedOut holds the standard logger's output while SetLogger(nil) is in
// effect.
var mutedOut io.Writer

// SetLogger replaces the package logger. Passing nil mutes both Logf and the
// Component entries; a later non-nil logger unmutes them.
func SetLogger(f func(format string, v ...interface{})) {
	std := logrus.StandardLogger()
	if f == nil {
		Logf = func(string, ...interface{}) {}
		if mutedOut == nil {
			mutedOut = std.Out
			std.SetOutput(io.Discard)
		}
		return
	}
	Logf = f
	if mutedOut != nil {
		std.SetOutput(mutedOut)
		mutedOut = nil
	}
}

// Fields is re-exported so callers do not need to import logrus for context.
type Fields = logrus.Fields

// Component returns an entry tagged with the emitting component name, e.g.
// "actuator" or "scan".
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
