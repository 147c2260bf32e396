// Package logx sets up the logging backend shared by every package in this
// module. Individual packages still get their own named logger via
// logging.MustGetLogger("pkgname"); this package only owns the backend and
// level, mirroring how the rest of the corpus centralises that one bit of
// global state.
package logx

import (
	"os"

	"gopkg.in/op/go-logging.v1"
)

// Level re-exports the underlying library type so callers don't need to
// import go-logging directly.
type Level = logging.Level

// Re-exports of the levels we use.
const (
	CRITICAL = logging.CRITICAL
	ERROR    = logging.ERROR
	WARNING  = logging.WARNING
	NOTICE   = logging.NOTICE
	INFO     = logging.INFO
	DEBUG    = logging.DEBUG
)

var currentLevel = logging.WARNING

// Init installs a stderr-backed logging backend at the given level. Safe to
// call more than once (e.g. from tests that want to raise verbosity).
func Init(level Level) {
	currentLevel = level
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.MustStringFormatter(
		`%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`,
	)
	formatted := logging.NewBackendFormatter(backend, formatter)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)
}

// CurrentLevel returns the level last passed to Init.
func CurrentLevel() Level {
	return currentLevel
}
