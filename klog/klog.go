// Package klog is the ambient leveled logger used across every layer,
// adapted from the teacher's logger.Logger: a toggle-activated wrapper
// around the standard log.Logger, one named instance per component.
package klog

import (
	"log"
	"os"
)

// Logger wraps three standard loggers, one per level, all silent unless
// Active is set. Library code never calls log.Fatal; only cmd/ may.
type Logger struct {
	name    string
	info    *log.Logger
	warning *log.Logger
	errLog  *log.Logger
	active  bool
}

// New returns a Logger for component name, writing to os.Stderr. It is
// inactive by default; callers that want diagnostics call SetActive(true).
func New(name string) *Logger {
	return &Logger{
		name:    name,
		info:    log.New(os.Stderr, name+"|INFO: ", log.Ldate|log.Ltime),
		warning: log.New(os.Stderr, name+"|WARNING: ", log.Ldate|log.Ltime),
		errLog:  log.New(os.Stderr, name+"|ERROR: ", log.Ldate|log.Ltime),
	}
}

// SetOutput redirects all three levels to w (e.g. a shared log file when
// an Open caller wants one log per opened image rather than per package).
func (l *Logger) SetOutput(w *os.File) {
	l.info.SetOutput(w)
	l.warning.SetOutput(w)
	l.errLog.SetOutput(w)
}

// SetActive toggles whether log calls actually write.
func (l *Logger) SetActive(active bool) { l.active = active }

func (l *Logger) Info(msg string) {
	if l.active {
		l.info.Println(msg)
	}
}

func (l *Logger) Warning(msg string) {
	if l.active {
		l.warning.Println(msg)
	}
}

func (l *Logger) Error(msg string) {
	if l.active {
		l.errLog.Println(msg)
	}
}
