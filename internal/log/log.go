// Package log builds the logrus logger every other package takes an
// *logrus.Entry from. Logging itself, per spec.md §1, is an external
// collaborator's concern; this package only fixes the formatting and
// field conventions so every subsystem's log lines are consistent.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logger at the given level ("debug", "info", "warn",
// "error"), writing structured text to stderr.
func New(level string) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return logrus.NewEntry(l)
}
