// Package monitoring holds the process-wide diagnostic logger. Parsing is
// a library concern and stays silent; the CLI and storage layers report
// progress and dropped data through Logf.
package monitoring

import "log"

// Logf is the package-level diagnostic logger, defaulting to log.Printf.
// Replace it with SetLogger to redirect or mute output.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. A nil argument installs a no-op
// logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
