// Package stdlogging implements sklogimpl.Logger and logs to either stderr or
// stdout.
package stdlogging

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.filafarm.org/infra/go/sklog/sklogimpl"
)

type stdlog struct {
	mutex sync.Mutex
	dst   io.Writer
}

// New returns a sklogimpl.Logger that writes to the given writer, such as
// os.Stdout or os.Stderr.
func New(dst io.Writer) sklogimpl.Logger {
	return &stdlog{dst: dst}
}

var severityLetter = map[sklogimpl.Severity]byte{
	sklogimpl.Debug:   'D',
	sklogimpl.Info:    'I',
	sklogimpl.Warning: 'W',
	sklogimpl.Error:   'E',
	sklogimpl.Fatal:   'F',
}

// Log implements sklogimpl.Logger.
func (s *stdlog) Log(depth int, severity sklogimpl.Severity, format string, args ...interface{}) {
	var msg string
	if format == "" {
		msg = fmt.Sprint(args...)
	} else {
		msg = fmt.Sprintf(format, args...)
	}

	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		file = "???"
		line = 0
	} else {
		parts := strings.Split(file, "/")
		file = parts[len(parts)-1]
	}

	letter, found := severityLetter[severity]
	if !found {
		letter = 'E'
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	fmt.Fprintf(s.dst, "%c%s %s:%d %s\n", letter, time.Now().UTC().Format("2006-01-02T15:04:05.000000Z"), file, line, msg)
	if severity == sklogimpl.Fatal {
		os.Exit(255)
	}
}

// Flush implements sklogimpl.Logger.
func (s *stdlog) Flush() {}
