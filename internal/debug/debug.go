// Package debug holds the process-wide wire-trace switch. When enabled,
// the transport logs every line it enqueues and every line it accepts
// from a snippet, title included — far too chatty for normal operation
// but the fastest way to see why two ends of a channel disagree.
package debug

import (
	"os"
	"sync"
)

var (
	enabled bool
	mu      sync.RWMutex
)

func init() {
	// Read the environment at load time so tracing also works under
	// `go test`, which never runs a main() that could call InitFromLogLevel.
	InitFromEnv()
}

// Enabled reports whether wire tracing is on.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// SetEnabled switches wire tracing on or off.
func SetEnabled(value bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = value
}

// InitFromEnv enables tracing when TUMAN_DEBUG=true or LOG_LEVEL=debug is
// set in the environment.
func InitFromEnv() {
	if os.Getenv("TUMAN_DEBUG") == "true" {
		SetEnabled(true)
		return
	}
	if os.Getenv("LOG_LEVEL") == "debug" {
		SetEnabled(true)
		return
	}
	SetEnabled(false)
}

// InitFromLogLevel derives the trace switch from a configured log level,
// unless an environment variable has already decided it.
func InitFromLogLevel(logLevel string) {
	if os.Getenv("TUMAN_DEBUG") == "" && os.Getenv("LOG_LEVEL") == "" {
		SetEnabled(logLevel == "debug")
	}
}
