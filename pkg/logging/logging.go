// Package logging is a thin factory around github.com/ipfs/go-log/v2,
// centralising subsystem logger names and the level-bootstrap policy the
// rest of the module relies on, grounded on the teacher's cmd/cli
// initLogging/log-level-per-subsystem style.
package logging

import (
	logging "github.com/ipfs/go-log/v2"
)

// Logger returns a named subsystem logger, the same call every other
// package in this module uses.
func Logger(subsystem string) *logging.ZapEventLogger {
	return logging.Logger(subsystem)
}

// SetLevel parses level ("debug", "info", "warn", "error") and applies it
// either to a single subsystem or, when subsystem is empty, to every
// logger.
func SetLevel(subsystem, level string) error {
	ll, err := logging.LevelFromString(level)
	if err != nil {
		return err
	}
	if subsystem == "" {
		logging.SetAllLoggers(ll)
		return nil
	}
	logging.SetLogLevel(subsystem, level)
	return nil
}

// Bootstrap sets a sane default level split across this module's named
// subsystems, mirroring the teacher's cmd/cli initLogging fallback: errors
// everywhere except the components an operator actually watches day to
// day.
func Bootstrap(defaultLevel string) {
	if defaultLevel != "" {
		logging.SetAllLoggers(mustLevel(defaultLevel))
		return
	}
	logging.SetAllLoggers(logging.LevelError)
	for _, name := range []string{"blobstore", "delegation", "worker", "scheduler", "server", "gossip", "cmd"} {
		logging.SetLogLevel(name, "info")
	}
}

func mustLevel(level string) logging.LogLevel {
	ll, err := logging.LevelFromString(level)
	if err != nil {
		return logging.LevelInfo
	}
	return ll
}
