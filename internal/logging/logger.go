package logging

import (
	"fmt"
	"log"
)

// Logger is the logging interface used by every component of the replication core. It mirrors the small
// leveled interface used across the project so callers can plug in their own sink.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// StdLogger writes through the standard library logger, prefixing every line with a component tag such as
// "[RESTORE-node1]".
type StdLogger struct {
	prefix string
	debug  bool
}

// New creates a StdLogger for the given component and node. Debug lines are dropped unless debug is true.
func New(component, node string, debug bool) *StdLogger {
	prefix := fmt.Sprintf("[%s]", component)
	if node != "" {
		prefix = fmt.Sprintf("[%s-%s]", component, node)
	}
	return &StdLogger{prefix: prefix, debug: debug}
}

func (l *StdLogger) Debugf(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.printf("DEBUG", format, args...)
}

func (l *StdLogger) Infof(format string, args ...interface{}) {
	l.printf("INFO", format, args...)
}

func (l *StdLogger) Warnf(format string, args ...interface{}) {
	l.printf("WARN", format, args...)
}

func (l *StdLogger) Errorf(format string, args ...interface{}) {
	l.printf("ERROR", format, args...)
}

// printf keeps the prefix out of the format string so that node names containing '%' print verbatim.
func (l *StdLogger) printf(level, format string, args ...interface{}) {
	log.Printf("%s "+level+": "+format, append([]interface{}{l.prefix}, args...)...)
}

// NopLogger discards everything. Useful in tests.
type NopLogger struct{}

func (NopLogger) Debugf(_ string, _ ...interface{}) {}
func (NopLogger) Infof(_ string, _ ...interface{})  {}
func (NopLogger) Warnf(_ string, _ ...interface{})  {}
func (NopLogger) Errorf(_ string, _ ...interface{}) {}

// OrNop returns l, or a NopLogger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}
