// Package definition holds the ambient stack shared by every other package:
// the logging interface and the error-kind taxonomy.
package definition

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is implemented by every logging backend usable inside the fabric.
// The shape mirrors the teacher's hand-rolled logger interface, re-backed by
// logrus so callers get structured fields when they want them.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	Panic(v ...interface{})
	Panicf(format string, v ...interface{})

	// WithField returns a derived logger that always attaches the field,
	// used by the router/broker to tag messages with the peer or stream id.
	WithField(key string, value interface{}) Logger
}

// DefaultLogger is the logrus-backed Logger used whenever a caller does not
// provide its own implementation.
type DefaultLogger struct {
	entry *logrus.Entry
}

// NewDefaultLogger builds a Logger that writes leveled, timestamped lines to
// stderr, matching the teacher's `NewDefaultLogger` bring-up shape.
func NewDefaultLogger(name string) *DefaultLogger {
	l := logrus.New()
	l.Out = os.Stderr
	l.Level = logrus.InfoLevel
	l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	return &DefaultLogger{entry: l.WithField("component", name)}
}

// ToggleDebug flips the backing logger between info and debug level.
func (d *DefaultLogger) ToggleDebug(on bool) {
	if on {
		d.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		d.entry.Logger.SetLevel(logrus.InfoLevel)
	}
}

func (d *DefaultLogger) Info(v ...interface{})                 { d.entry.Info(v...) }
func (d *DefaultLogger) Infof(f string, v ...interface{})      { d.entry.Infof(f, v...) }
func (d *DefaultLogger) Warn(v ...interface{})                 { d.entry.Warn(v...) }
func (d *DefaultLogger) Warnf(f string, v ...interface{})      { d.entry.Warnf(f, v...) }
func (d *DefaultLogger) Error(v ...interface{})                { d.entry.Error(v...) }
func (d *DefaultLogger) Errorf(f string, v ...interface{})     { d.entry.Errorf(f, v...) }
func (d *DefaultLogger) Debug(v ...interface{})                { d.entry.Debug(v...) }
func (d *DefaultLogger) Debugf(f string, v ...interface{})     { d.entry.Debugf(f, v...) }
func (d *DefaultLogger) Fatal(v ...interface{})                { d.entry.Fatal(v...) }
func (d *DefaultLogger) Fatalf(f string, v ...interface{})     { d.entry.Fatalf(f, v...) }
func (d *DefaultLogger) Panic(v ...interface{})                { d.entry.Panic(v...) }
func (d *DefaultLogger) Panicf(f string, v ...interface{})     { d.entry.Panicf(f, v...) }

func (d *DefaultLogger) WithField(key string, value interface{}) Logger {
	return &DefaultLogger{entry: d.entry.WithField(key, value)}
}
