// Package monitoring provides the shared diagnostic logger for the scan engine.
package monitoring

import "log"

// Logf is the package-level diagnostic logger, log.Printf by default.
// Replace it with SetLogger to redirect or mute engine diagnostics.
var Logf func(format string, v ...any) = log.Printf

// SetLogger swaps the package logger. A nil f installs a no-op logger.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		Logf = func(string, ...any) {}
		return
	}
	Logf = f
}
