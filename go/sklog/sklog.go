// Package sklog provides the logging functions used across the repo
// (Info, Errorf, and so on), delegating to the logger registered with
// sklogimpl.

package sklog

import (
	"os"

	"go.filafarm.org/infra/go/sklog/sklogimpl"
	"go.filafarm.org/infra/go/sklog/stdlogging"
)

// SetLogger must happen in an init function so no log call can observe a nil
// logger.
func init() {
	sklogimpl.SetLogger(stdlogging.New(os.Stderr))
}

// Debug, Info, Warning, Error and Fatal format with fmt.Sprint; the f
// variants with fmt.Sprintf. The WithDepth variants move the reported call
// site up the stack by the given number of frames, 0 meaning the caller.
func Debug(msg ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Debug, "", msg...)
}

func Debugf(format string, v ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Debug, format, v...)
}

func Info(msg ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Info, "", msg...)
}

func Infof(format string, v ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Info, format, v...)
}

func InfofWithDepth(depth int, format string, v ...interface{}) {
	sklogimpl.Log(1+depth, sklogimpl.Info, format, v...)
}

func Warning(msg ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Warning, "", msg...)
}

func Warningf(format string, v ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Warning, format, v...)
}

func Error(msg ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Error, "", msg...)
}

func Errorf(format string, v ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Error, format, v...)
}

// Fatal* exits the program after logging.
func Fatal(msg ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Fatal, "", msg...)
}

func Fatalf(format string, v ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Fatal, format, v...)
}

// Flush flushes any buffered log lines.
func Flush() {
	sklogimpl.Flush()
}
