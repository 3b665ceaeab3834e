// Package sklog defines the logging functions (e.g. Info, Errorf, etc.) used
// throughout the repo. The default implementation writes leveled lines to
// stderr; daemons may install a different Logger via SetLogger.
package sklog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Severity is a log level.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "D"
	case SeverityInfo:
		return "I"
	case SeverityWarning:
		return "W"
	case SeverityError:
		return "E"
	case SeverityFatal:
		return "F"
	}
	return "?"
}

// Logger is the interface for log sinks.
type Logger interface {
	Log(depth int, severity Severity, format string, args ...interface{})
}

var (
	mtx    sync.RWMutex
	logger Logger = NewStdLogger(os.Stderr)
)

// SetLogger installs the given Logger as the destination for all log calls.
func SetLogger(l Logger) {
	mtx.Lock()
	defer mtx.Unlock()
	logger = l
}

func logTo(depth int, severity Severity, format string, args ...interface{}) {
	mtx.RLock()
	l := logger
	mtx.RUnlock()
	l.Log(depth+1, severity, format, args...)
	if severity == SeverityFatal {
		os.Exit(255)
	}
}

// stdLogger writes plain leveled lines using the stdlib log package.
type stdLogger struct {
	l *log.Logger
}

// NewStdLogger returns a Logger which writes to the given Writer.
func NewStdLogger(w io.Writer) Logger {
	return &stdLogger{
		l: log.New(w, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (s *stdLogger) Log(depth int, severity Severity, format string, args ...interface{}) {
	var msg string
	if format == "" {
		msg = fmt.Sprint(args...)
	} else {
		msg = fmt.Sprintf(format, args...)
	}
	s.l.Printf("%s %s", severity, msg)
}

// Functions to log at various levels. Debug, Info, Warning, Error, and Fatal
// use fmt.Sprint to format the arguments; functions ending in f use
// fmt.Sprintf. Fatal* exits the program after logging.

func Debug(msg ...interface{}) {
	logTo(1, SeverityDebug, "", msg...)
}

func Debugf(format string, v ...interface{}) {
	logTo(1, SeverityDebug, format, v...)
}

func Info(msg ...interface{}) {
	logTo(1, SeverityInfo, "", msg...)
}

func Infof(format string, v ...interface{}) {
	logTo(1, SeverityInfo, format, v...)
}

func Warning(msg ...interface{}) {
	logTo(1, SeverityWarning, "", msg...)
}

func Warningf(format string, v ...interface{}) {
	logTo(1, SeverityWarning, format, v...)
}

func Error(msg ...interface{}) {
	logTo(1, SeverityError, "", msg...)
}

func Errorf(format string, v ...interface{}) {
	logTo(1, SeverityError, format, v...)
}

func Fatal(msg ...interface{}) {
	logTo(1, SeverityFatal, "", msg...)
}

func Fatalf(format string, v ...interface{}) {
	logTo(1, SeverityFatal, format, v...)
}
