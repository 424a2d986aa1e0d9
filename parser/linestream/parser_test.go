package linestream

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// section enters a child for every "begin" line, retires on "end" and hands
// any "retry" line back to its parent.
type section struct {
	name   string
	log    *[]string
	nested int
}

func (s *section) Online(line string) Verdict {
	*s.log = append(*s.log, fmt.Sprintf("%s:%s", s.name, line))
	switch {
	case strings.HasPrefix(line, "begin"):
		s.nested++
		return Enter(&section{name: fmt.Sprintf("%s.%d", s.name, s.nested), log: s.log})
	case line == "end":
		return Done
	case line == "retry":
		return Retry
	}
	return Continue
}

func (s *section) Begin(line string) {
	*s.log = append(*s.log, fmt.Sprintf("%s:begin(%s)", s.name, line))
}

func (s *section) End() {
	*s.log = append(*s.log, s.name+":end")
}

// root never retires.
type root struct{ section }

func (r *root) Online(line string) Verdict {
	v := r.section.Online(line)
	if v.kind == kindDone || v.kind == kindRetry {
		return Continue
	}
	return v
}

func newRoot(log *[]string) *root {
	return &root{section{name: "r", log: log}}
}

func feed(p *Parser, chunks ...string) {
	for _, c := range chunks {
		_, _ = p.Write([]byte(c))
	}
	p.End()
}

func TestLinesAreDispatchedToActiveProcessor(t *testing.T) {
	var log []string
	feed(New(newRoot(&log)), "a\nbegin x\nb\nend\nc\n")

	assert.Equal(t, []string{
		"r:a",
		"r:begin x",
		"r.1:begin(begin x)",
		"r.1:b",
		"r.1:end",
		"r.1:end",
		"r:c",
		"r:end",
	}, log)
}

func TestRetryReplaysLineThroughRetiringProcessors(t *testing.T) {
	var log []string
	feed(New(newRoot(&log)), "begin\nbegin\nretry\n")

	// The line retires both children and finally reaches the root.
	assert.Equal(t, []string{
		"r:begin",
		"r.1:begin(begin)",
		"r.1:begin",
		"r.1.1:begin(begin)",
		"r.1.1:retry",
		"r.1.1:end",
		"r.1:retry",
		"r.1:end",
		"r:retry",
		"r:end",
	}, log)
}

func TestChunkBoundaryIndependence(t *testing.T) {
	input := "one\r\nbegin two\nthree\nretry\nfour\nbegin\nend\nlast"

	var whole []string
	feed(New(newRoot(&whole)), input)

	for _, size := range []int{1, 2, 3, 5, 7, 11} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			var chunks []string
			for i := 0; i < len(input); i += size {
				chunks = append(chunks, input[i:min(i+size, len(input))])
			}
			var got []string
			feed(New(newRoot(&got)), chunks...)
			assert.Equal(t, whole, got)
		})
	}
	assert.Equal(t, "r:one", whole[0])
	assert.Equal(t, "r:last", whole[len(whole)-2])
}

func TestEndUnwindsAllProcessors(t *testing.T) {
	var log []string
	p := New(newRoot(&log))
	_, err := p.Write([]byte("begin\nbegin\npartial"))
	require.NoError(t, err)
	assert.Equal(t, 3, p.Depth())

	p.End()
	assert.Equal(t, []string{
		"r:begin",
		"r.1:begin(begin)",
		"r.1:begin",
		"r.1.1:begin(begin)",
		"r.1.1:partial",
		"r.1.1:end",
		"r.1:end",
		"r:end",
	}, log)
	assert.Equal(t, 0, p.Depth())

	_, err = p.Write([]byte("more\n"))
	assert.ErrorIs(t, err, ErrEnded)
}

func TestAlwaysOnlineSeesEveryLine(t *testing.T) {
	var (
		seen []string
		log  []string
	)
	p := New(newRoot(&log), WithAlwaysOnline(func(line string) { seen = append(seen, line) }))
	feed(p, "a\nbegin\nb\nretry\n")

	assert.Equal(t, []string{"a", "begin", "b", "retry"}, seen)
}

func TestRetiringRootPanics(t *testing.T) {
	p := New(Func(func(string) Verdict { return Done }))
	assert.Panics(t, func() { _, _ = p.Write([]byte("x\n")) })
}

func TestEnterNilContinues(t *testing.T) {
	calls := 0
	p := New(Func(func(string) Verdict {
		calls++
		return Enter(nil)
	}))
	feed(p, "a\nb\n")
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, p.Depth())
}
