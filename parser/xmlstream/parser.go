// Package xmlstream parses an XML document incrementally, as it is written
// by a running process, and routes its events to a stack of processors.
package xmlstream

import (
	"bufio"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// ErrTagMismatch is returned by End when a close tag did not match the
// innermost open tag. Events after the mismatch are not delivered.
var ErrTagMismatch = errors.New("close tag does not match open tag")

// ParseError describes malformed input that the parser skipped over.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("xml parse error on line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type tagFrame struct {
	tag  *Tag
	text strings.Builder
}

type procFrame struct {
	proc Processor
	tag  *Tag // nil for the root frame
	// nesting counts open tags with the same name as tag that were not
	// handed to a child processor.
	nesting int
}

// Parser is an incremental XML parser. Write and WriteStdErr may be called
// from different goroutines; processor callbacks never run concurrently.
type Parser struct {
	log log.Logger

	pw   *io.PipeWriter
	done chan struct{}

	mu     sync.Mutex
	tags   []*tagFrame
	frames []*procFrame
	err    error
	ended  bool
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the logger used to report skipped input.
func WithLogger(l log.Logger) Option {
	return func(p *Parser) { p.log = l }
}

// New starts a parse session delivering events to root.
func New(root Processor, opts ...Option) *Parser {
	pr, pw := io.Pipe()
	p := &Parser{
		log:    log.New(),
		pw:     pw,
		done:   make(chan struct{}),
		frames: []*procFrame{{proc: root}},
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.decode(pr)
	return p
}

var _ io.Writer = (*Parser)(nil)

// Write feeds the next chunk of the document. It returns once the chunk
// has been consumed by the decoder.
func (p *Parser) Write(b []byte) (int, error) {
	return p.pw.Write(b)
}

// WriteStdErr routes data to the innermost processor that implements
// StderrHandler and accepts it. It reports whether any did.
func (p *Parser) WriteStdErr(b []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil || p.ended {
		return false
	}
	var current *Tag
	if n := len(p.tags); n > 0 {
		current = p.tags[n-1].tag
	}
	data := string(b)
	for i := len(p.frames) - 1; i >= 0; i-- {
		h, ok := p.frames[i].proc.(StderrHandler)
		if ok && h.OnStderr(data, current) {
			return true
		}
	}
	return false
}

// End finishes the session. Remaining text is flushed and every open
// processor frame, including the root, is ended from the innermost outward.
func (p *Parser) End() error {
	p.pw.Close()
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return p.err
	}
	p.ended = true
	if p.err != nil {
		return p.err
	}
	p.flushText()
	for i := len(p.frames) - 1; i >= 0; i-- {
		if e, ok := p.frames[i].proc.(Ender); ok {
			e.End()
		}
	}
	p.frames = p.frames[:1]
	p.tags = nil
	return nil
}

func (p *Parser) decode(pr *io.PipeReader) {
	defer close(p.done)
	defer pr.Close()
	br := bufio.NewReader(pr)
	for {
		dec := xml.NewDecoder(br)
		dec.Strict = false
		dec.Entity = xml.HTMLEntity
		err := p.decodeTokens(dec)
		if err == nil {
			return
		}
		if errors.Is(err, ErrTagMismatch) {
			// Keep the writer unblocked until End.
			_, _ = io.Copy(io.Discard, br)
			return
		}
		var syntaxErr *xml.SyntaxError
		if !errors.As(err, &syntaxErr) {
			p.log.Error("Failed to read xml stream", "err", err)
			return
		}
		p.reportParseError(&ParseError{Line: syntaxErr.Line, Err: syntaxErr})
		if dec.InputOffset() == 0 {
			// Nothing was consumed, skip the offending byte.
			if _, err := br.ReadByte(); err != nil {
				return
			}
		}
	}
}

// decodeTokens dispatches tokens until the input ends (nil), the decoder
// fails or the document is inconsistent.
func (p *Parser) decodeTokens(dec *xml.Decoder) error {
	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.dispatch(tok); err != nil {
			return err
		}
	}
}

func (p *Parser) dispatch(tok xml.Token) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	switch t := tok.(type) {
	case xml.StartElement:
		p.openTag(t)
	case xml.EndElement:
		if err := p.closeTag(t); err != nil {
			p.err = err
			p.log.Error("Inconsistent xml stream", "err", err)
			return err
		}
	case xml.CharData:
		if n := len(p.tags); n > 0 {
			p.tags[n-1].text.Write(t)
		}
	}
	return nil
}

func (p *Parser) openTag(start xml.StartElement) {
	p.flushText()

	tag := &Tag{Name: start.Name.Local, Attrs: make(map[string]string, len(start.Attr))}
	for _, a := range start.Attr {
		tag.Attrs[a.Name.Local] = a.Value
	}
	p.tags = append(p.tags, &tagFrame{tag: tag})

	f := p.frames[len(p.frames)-1]
	if child := f.proc.OnOpenTag(tag); child != nil {
		p.frames = append(p.frames, &procFrame{proc: child, tag: tag})
		if b, ok := child.(Beginner); ok {
			b.Begin(tag)
		}
		return
	}
	if f.tag != nil && f.tag.Name == tag.Name {
		f.nesting++
	}
}

func (p *Parser) closeTag(end xml.EndElement) error {
	n := len(p.tags)
	if n == 0 {
		return fmt.Errorf("%w: </%s> with no open tag", ErrTagMismatch, end.Name.Local)
	}
	if open := p.tags[n-1].tag.Name; open != end.Name.Local {
		return fmt.Errorf("%w: </%s> closes <%s>", ErrTagMismatch, end.Name.Local, open)
	}
	p.flushText()
	tag := p.tags[n-1].tag
	p.tags = p.tags[:n-1]

	f := p.frames[len(p.frames)-1]
	if f.tag != nil && f.tag.Name == tag.Name {
		f.nesting--
		if f.nesting < 0 {
			p.frames = p.frames[:len(p.frames)-1]
			if e, ok := f.proc.(Ender); ok {
				e.End()
			}
			return nil
		}
	}
	f.proc.OnCloseTag(tag)
	return nil
}

// flushText hands the text accumulated in the innermost tag to the active
// processor.
func (p *Parser) flushText() {
	n := len(p.tags)
	if n == 0 {
		return
	}
	tf := p.tags[n-1]
	text := strings.TrimSpace(tf.text.String())
	tf.text.Reset()
	if text == "" {
		return
	}
	p.frames[len(p.frames)-1].proc.OnText(text, tf.tag)
}

func (p *Parser) reportParseError(err *ParseError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.Warn("Skipping malformed xml", "line", err.Line, "err", err.Err)
	for i := len(p.frames) - 1; i >= 0; i-- {
		if h, ok := p.frames[i].proc.(ErrorHandler); ok {
			h.OnParseError(err)
			return
		}
	}
}
