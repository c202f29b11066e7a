// Package sklogimpl defines the interface for the logging implementation used
// by sklog. Applications pick an implementation at startup by calling
// SetLogger; the default is installed by the sklog package itself.
package sklogimpl

import (
	"sync/atomic"
)

// Severity identifies the sort of log: info, warning etc.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case Debug:
		return "Debug"
	case Info:
		return "Info"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Logger is implemented by the destination of log lines.
type Logger interface {
	// Log a line at the given severity. If format is the empty string the
	// args are formatted with fmt.Sprint, otherwise with fmt.Sprintf. The
	// depth is the number of stack frames to skip when reporting the call
	// site, with 0 meaning the caller of Log.
	Log(depth int, severity Severity, format string, args ...interface{})

	// Flush any buffered log lines.
	Flush()
}

var logger atomic.Value

// SetLogger changes the logging implementation. Must be called before any
// logging takes place; typically from an init function or main.
func SetLogger(l Logger) {
	logger.Store(&l)
}

// Log writes a single log line through the configured Logger.
func Log(depth int, severity Severity, format string, args ...interface{}) {
	l := logger.Load()
	if l == nil {
		return
	}
	(*l.(*Logger)).Log(depth+1, severity, format, args...)
}

// Flush flushes the configured Logger.
func Flush() {
	l := logger.Load()
	if l == nil {
		return
	}
	(*l.(*Logger)).Flush()
}
