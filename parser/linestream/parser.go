// Package linestream splits a byte stream into lines and routes each line
// to a stack of processors.
package linestream

import (
	"bytes"
	"errors"
	"strings"
)

// ErrEnded is returned by Write after End.
var ErrEnded = errors.New("line stream already ended")

type verdictKind int

const (
	kindContinue verdictKind = iota
	kindDone
	kindRetry
	kindEnter
)

// Verdict is a Processor's answer to a line.
type Verdict struct {
	kind  verdictKind
	child Processor
}

var (
	// Continue consumes the line and keeps the processor active.
	Continue = Verdict{kind: kindContinue}
	// Done consumes the line and retires the processor.
	Done = Verdict{kind: kindDone}
	// Retry retires the processor and hands the same line to its parent.
	Retry = Verdict{kind: kindRetry}
)

// Enter makes child the active processor. The line is passed to its Begin
// method, if any, and is not delivered to Online.
func Enter(child Processor) Verdict {
	if child == nil {
		return Continue
	}
	return Verdict{kind: kindEnter, child: child}
}

// Processor handles lines while it is the active processor.
type Processor interface {
	Online(line string) Verdict
}

// Beginner is implemented by processors that want the line that activated
// them.
type Beginner interface {
	Begin(line string)
}

// Ender is implemented by processors that want to be told when they are
// retired or the stream ends.
type Ender interface {
	End()
}

// Func adapts a function to a Processor.
type Func func(line string) Verdict

func (f Func) Online(line string) Verdict {
	return f(line)
}

// Parser dispatches complete lines to the active processor. It is not safe
// for concurrent use.
type Parser struct {
	stack   []Processor
	partial []byte
	always  func(string)
	ended   bool
}

// Option configures a Parser.
type Option func(*Parser)

// WithAlwaysOnline registers fn to receive every line before it is
// dispatched, whichever processor is active.
func WithAlwaysOnline(fn func(line string)) Option {
	return func(p *Parser) { p.always = fn }
}

// New returns a parser delivering lines to root.
func New(root Processor, opts ...Option) *Parser {
	p := &Parser{stack: []Processor{root}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Write feeds the next chunk. Only complete lines are dispatched; the
// remainder is kept until the next Write or End.
func (p *Parser) Write(b []byte) (int, error) {
	if p.ended {
		return 0, ErrEnded
	}
	n := len(b)
	for len(b) > 0 {
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			p.partial = append(p.partial, b...)
			break
		}
		var line string
		if len(p.partial) > 0 {
			p.partial = append(p.partial, b[:i]...)
			line = string(p.partial)
			p.partial = p.partial[:0]
		} else {
			line = string(b[:i])
		}
		p.dispatch(strings.TrimSuffix(line, "\r"))
		b = b[i+1:]
	}
	return n, nil
}

// End delivers a trailing partial line and then ends every processor on the
// stack, innermost first, including the root.
func (p *Parser) End() {
	if p.ended {
		return
	}
	p.ended = true
	if len(p.partial) > 0 {
		line := strings.TrimSuffix(string(p.partial), "\r")
		p.partial = nil
		p.dispatch(line)
	}
	for i := len(p.stack) - 1; i >= 0; i-- {
		if e, ok := p.stack[i].(Ender); ok {
			e.End()
		}
	}
	p.stack = p.stack[:0]
}

// Depth returns the number of active processors, the root included.
func (p *Parser) Depth() int {
	return len(p.stack)
}

func (p *Parser) dispatch(line string) {
	if p.always != nil {
		p.always(line)
	}
	for {
		top := p.stack[len(p.stack)-1]
		v := top.Online(line)
		switch v.kind {
		case kindContinue:
			return
		case kindDone:
			p.retire()
			return
		case kindRetry:
			p.retire()
		case kindEnter:
			p.stack = append(p.stack, v.child)
			if b, ok := v.child.(Beginner); ok {
				b.Begin(line)
			}
			return
		}
	}
}

func (p *Parser) retire() {
	if len(p.stack) == 1 {
		panic("linestream: root processor cannot be retired")
	}
	top := p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
	if e, ok := top.(Ender); ok {
		e.End()
	}
}
