// Package logsink defines the logging dependency the zone management core
// consumes. The core never blocks on logging and never dictates how log
// lines are rendered or shipped; it only requires a Sink.
package logsink

import (
	"fmt"
	"log"
)

// Sink is the logging dependency consumed by every package in this module.
// Implementations must not block the caller for any meaningful duration.
type Sink interface {
	Write(message string)
	WriteErr(err error)
}

// StdSink is a Sink backed by the standard library's log package. It is
// the only concrete Sink this module ships; production deployments are
// expected to supply their own (structured, shipped, rate-limited, ...).
type StdSink struct {
	logger *log.Logger
	prefix string
}

// NewStdSink wraps logger, tagging every line with prefix.
func NewStdSink(logger *log.Logger, prefix string) *StdSink {
	if logger == nil {
		logger = log.Default()
	}
	return &StdSink{logger: logger, prefix: prefix}
}

func (s *StdSink) Write(message string) {
	if s.prefix != "" {
		s.logger.Printf("[%s] %s", s.prefix, message)
		return
	}
	s.logger.Print(message)
}

func (s *StdSink) WriteErr(err error) {
	if err == nil {
		return
	}
	s.Write(fmt.Sprintf("error: %v", err))
}

// Discard is a Sink that drops everything, useful for tests.
type discardSink struct{}

func (discardSink) Write(string)    {}
func (discardSink) WriteErr(error)  {}

// Discard is a process-wide no-op Sink.
var Discard Sink = discardSink{}
