// Package logger wraps logrus with a leveled single-line console
// presentation plus a couple of cosmetic banner helpers used by the
// example binaries. The level/format plumbing delegates to a
// logrus.Logger so the rest of the module can also obtain a
// logrus.FieldLogger for structured fields (peer address, correlation
// id, state) instead of Printf interpolation.
package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel sets the minimum log level by name ("debug", "info", "warn",
// "error"); an unrecognized name is ignored.
func SetLevel(level string) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		base.SetLevel(lvl)
	}
}

// Base returns the shared logrus.FieldLogger, for components that want
// to attach structured fields (e.g. WithField("peer", addr)) rather
// than using the Printf-style helpers below.
func Base() logrus.FieldLogger {
	return base
}

func Debug(format string, args ...interface{}) { base.Debugf(format, args...) }
func Info(format string, args ...interface{})  { base.Infof(format, args...) }
func Warn(format string, args ...interface{})  { base.Warnf(format, args...) }
func Error(format string, args ...interface{}) { base.Errorf(format, args...) }

// Success logs at info level with a result=success field, since logrus has
// no dedicated success level.
func Success(format string, args ...interface{}) {
	base.WithField("result", "success").Infof(format, args...)
}

// Fatal logs at fatal level and exits the process, matching logrus's
// own Fatal semantics.
func Fatal(format string, args ...interface{}) {
	base.Fatalf(format, args...)
}

// Section prints a section header to stdout. Purely cosmetic console
// output, not part of the structured log stream.
func Section(title string) {
	border := "═══════════════════════════════════════════════════════════"
	fmt.Printf("\n╔%s╗\n", border)
	fmt.Printf("║ %-57s ║\n", title)
	fmt.Printf("╚%s╝\n\n", border)
}

// Banner prints the example binaries' startup banner to stdout.
func Banner(title, version string) {
	fmt.Fprintf(os.Stdout, "\n== %s (v%s) ==\n\n", title, version)
}
