// Package logging defines the leveled logger the bus, workers and
// coordinator log through, so no package binds a concrete backend.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Logger is the interface components accept. Each level comes in a
// Sprint-style and a Sprintf-style form.
type Logger interface {
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
}

// stdLogger writes error and warning lines to stderr and the rest to
// stdout, tagging each line with its level.
type stdLogger struct {
	err *log.Logger
	out *log.Logger
}

// NewDefaultLogger returns a Logger backed by the standard library's log
// package.
func NewDefaultLogger() Logger {
	flags := log.LstdFlags | log.Lshortfile
	return &stdLogger{
		err: log.New(os.Stderr, "", flags),
		out: log.New(os.Stdout, "", flags),
	}
}

// emit writes one line. Calldepth 3 makes Lshortfile report the logging
// call site rather than this file.
func (l *stdLogger) emit(dst *log.Logger, level, msg string) {
	dst.Output(3, level+" "+msg)
}

func (l *stdLogger) Error(args ...interface{}) { l.emit(l.err, "ERROR", fmt.Sprint(args...)) }
func (l *stdLogger) Warn(args ...interface{})  { l.emit(l.err, "WARN", fmt.Sprint(args...)) }
func (l *stdLogger) Info(args ...interface{})  { l.emit(l.out, "INFO", fmt.Sprint(args...)) }
func (l *stdLogger) Debug(args ...interface{}) { l.emit(l.out, "DEBUG", fmt.Sprint(args...)) }

func (l *stdLogger) Errorf(format string, args ...interface{}) {
	l.emit(l.err, "ERROR", fmt.Sprintf(format, args...))
}

func (l *stdLogger) Warnf(format string, args ...interface{}) {
	l.emit(l.err, "WARN", fmt.Sprintf(format, args...))
}

func (l *stdLogger) Infof(format string, args ...interface{}) {
	l.emit(l.out, "INFO", fmt.Sprintf(format, args...))
}

func (l *stdLogger) Debugf(format string, args ...interface{}) {
	l.emit(l.out, "DEBUG", fmt.Sprintf(format, args...))
}

// nopLogger discards everything. Tests use it to keep output quiet.
type nopLogger struct{}

// NewNopLogger returns a logger that discards all output.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Error(args ...interface{})                 {}
func (nopLogger) Errorf(format string, args ...interface{}) {}
func (nopLogger) Warn(args ...interface{})                  {}
func (nopLogger) Warnf(format string, args ...interface{})  {}
func (nopLogger) Info(args ...interface{})                  {}
func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Debug(args ...interface{})                 {}
func (nopLogger) Debugf(format string, args ...interface{}) {}
