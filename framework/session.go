package framework

import (
	"sync"

	"github.com/ethereum-optimism/infra/op-nativetest/parser/linestream"
	"github.com/ethereum-optimism/infra/op-nativetest/parser/xmlstream"
)

// XMLSession feeds standard output to an xml parser. Standard error is
// routed to the parser's stderr handlers, and to fallback if none accepts it.
type XMLSession struct {
	parser   *xmlstream.Parser
	fallback func(string)
}

// NewXMLSession wraps parser. fallback may be nil.
func NewXMLSession(parser *xmlstream.Parser, fallback func(string)) *XMLSession {
	return &XMLSession{parser: parser, fallback: fallback}
}

var _ Session = (*XMLSession)(nil)

func (s *XMLSession) Write(p []byte) (int, error) {
	return s.parser.Write(p)
}

func (s *XMLSession) WriteStderr(p []byte) {
	if !s.parser.WriteStdErr(p) && s.fallback != nil {
		s.fallback(string(p))
	}
}

func (s *XMLSession) End() error {
	return s.parser.End()
}

// LineSession feeds standard output and standard error to two line parsers.
// A single lock serialises both so handlers never overlap.
type LineSession struct {
	mu     sync.Mutex
	stdout *linestream.Parser
	stderr *linestream.Parser
}

// NewLineSession wraps the parsers. stderr may be nil to discard it.
func NewLineSession(stdout, stderr *linestream.Parser) *LineSession {
	return &LineSession{stdout: stdout, stderr: stderr}
}

var _ Session = (*LineSession)(nil)

func (s *LineSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout.Write(p)
}

func (s *LineSession) WriteStderr(p []byte) {
	if s.stderr == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.stderr.Write(p)
}

// End flushes standard error first so its last line is attributed before
// the standard output processors are unwound.
func (s *LineSession) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stderr != nil {
		s.stderr.End()
	}
	s.stdout.End()
	return nil
}
