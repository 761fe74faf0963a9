// Package logging sets up the shared logrus conventions used across every
// component: timestamped text output on stderr, a trace.Component field naming the
// owning package, and a process-wide default level.
package logging

import (
	"os"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Configure installs the process-wide logrus formatter and level. Call once
// from each cmd/ main before anything else logs.
func Configure(level string) {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

// ForComponent returns a logger tagged with trace.Component, matching the
// `logrus.WithField(trace.Component, "...")` convention used throughout the
// codebase.
func ForComponent(name string) *logrus.Entry {
	return logrus.WithField(trace.Component, name)
}
