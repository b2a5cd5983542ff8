// Package xlog centralizes log construction so every package gets a
// prefixed, leveled logger the way the teacher's client2 package does
// via log.NewWithOptions(...).WithPrefix(...).
package xlog

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// Level mirrors the subset of charmbracelet/log levels nearbycore
// configuration exposes.
type Level = log.Level

const (
	LevelDebug = log.DebugLevel
	LevelInfo  = log.InfoLevel
	LevelWarn  = log.WarnLevel
	LevelError = log.ErrorLevel
)

var defaultOut io.Writer = os.Stderr
var defaultLevel Level = LevelInfo

// SetDefaultOutput redirects every logger created after this call.
// Tests use this to capture output; production wires it to the
// configured log file.
func SetDefaultOutput(w io.Writer) { defaultOut = w }

// SetDefaultLevel sets the minimum level for loggers created after
// this call.
func SetDefaultLevel(l Level) { defaultLevel = l }

// New returns a logger prefixed with component, matching the pattern
// client2/connection.go uses for its "client2/conn" logger.
func New(component string) *log.Logger {
	l := log.NewWithOptions(defaultOut, log.Options{
		ReportTimestamp: true,
		Prefix:          component,
	})
	l.SetLevel(defaultLevel)
	return l
}
