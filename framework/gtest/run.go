package gtest

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-nativetest/framework"
	"github.com/ethereum-optimism/infra/op-nativetest/parser/linestream"
	"github.com/ethereum-optimism/infra/op-nativetest/types"
)

type lineKind int

const (
	lineOther lineKind = iota
	lineRun
	lineOK
	lineFailed
	lineSkipped
	lineFailure
	lineSkipNote
)

var linePatterns = []struct {
	kind lineKind
	re   *regexp.Regexp
}{
	{lineRun, regexp.MustCompile(`^\[ RUN      \] (\S+)$`)},
	{lineOK, regexp.MustCompile(`^\[       OK \] (\S+)(?: \((\d+) ms\))?$`)},
	{lineFailed, regexp.MustCompile(`^\[  FAILED  \] (\S+?)(?:, where .*?)?(?: \((\d+) ms\))?$`)},
	{lineSkipped, regexp.MustCompile(`^\[  SKIPPED \] (\S+)(?: \((\d+) ms\))?$`)},
	{lineFailure, regexp.MustCompile(`^(.+?)(?::(\d+))?: Failure$`)},
	{lineSkipNote, regexp.MustCompile(`^(.+?):(\d+): Skipped$`)},
}

// classify returns the kind of a line and the submatches of its pattern.
func classify(line string) (lineKind, []string) {
	for _, p := range linePatterns {
		if m := p.re.FindStringSubmatch(line); m != nil {
			return p.kind, m
		}
	}
	return lineOther, nil
}

// runRoot starts a testRun at every "[ RUN      ]" line.
type runRoot struct {
	sink    framework.RunSink
	log     log.Logger
	current *testRun
}

func (r *runRoot) Online(line string) linestream.Verdict {
	line = stripansi.Strip(line)
	kind, m := classify(line)
	switch kind {
	case lineRun:
		t := &testRun{root: r, id: m[1], b: r.sink.Begin(m[1])}
		r.current = t
		return linestream.Enter(t)
	case lineOther:
		if line != "" && !strings.HasPrefix(line, "[") {
			r.sink.Output(line)
		}
	default:
		// Summary lines repeat results that were already recorded.
	}
	return linestream.Continue
}

func (r *runRoot) onStderr(line string) linestream.Verdict {
	line = stripansi.Strip(line)
	if r.current != nil {
		r.current.b.AppendOutput(line)
	} else if line != "" {
		r.sink.Output(line)
	}
	return linestream.Continue
}

// testRun collects the output of one test until its result line.
type testRun struct {
	root       *runRoot
	id         string
	b          framework.Builder
	skipReason string
	finished   bool
}

var (
	_ linestream.Beginner = (*testRun)(nil)
	_ linestream.Ender    = (*testRun)(nil)
)

func (t *testRun) Begin(string) {
	t.b.Started()
}

func (t *testRun) Online(line string) linestream.Verdict {
	line = stripansi.Strip(line)
	kind, m := classify(line)
	switch kind {
	case lineOK, lineFailed, lineSkipped:
		if m[1] != t.id {
			t.root.log.Warn("GoogleTest result for a different test", "running", t.id, "result", m[1])
		}
		if m[2] != "" {
			ms, _ := strconv.Atoi(m[2])
			t.b.SetDuration(time.Duration(ms) * time.Millisecond)
		}
		t.finish(kind)
		return linestream.Done
	case lineFailure:
		f := types.Failure{File: m[1], Line: atoi(m[2])}
		return linestream.Enter(&messageBlock{done: func(msg string) {
			f.Message = msg
			if f.Message == "" {
				f.Message = "failure"
			}
			t.b.AddFailure(f)
		}})
	case lineSkipNote:
		return linestream.Enter(&messageBlock{done: func(msg string) { t.skipReason = msg }})
	case lineRun:
		// The previous test never reported a result.
		return linestream.Retry
	}
	t.b.AppendOutput(line)
	return linestream.Continue
}

func (t *testRun) finish(kind lineKind) {
	switch kind {
	case lineOK:
		t.b.Passed()
	case lineFailed:
		t.b.Failed("")
	case lineSkipped:
		reason := t.skipReason
		if reason == "" {
			reason = "skipped"
		}
		t.b.Skipped(reason)
	}
	t.b.Build()
	t.finished = true
}

// End leaves an unfinished test to the caller.
func (t *testRun) End() {
	if t.root.current == t {
		t.root.current = nil
	}
}

// messageBlock gathers the lines following a failure or skip header until
// the next line gtest itself produced.
type messageBlock struct {
	lines []string
	done  func(msg string)
}

func (m *messageBlock) Online(line string) linestream.Verdict {
	line = stripansi.Strip(line)
	if kind, _ := classify(line); kind != lineOther {
		return linestream.Retry
	}
	m.lines = append(m.lines, line)
	return linestream.Continue
}

func (m *messageBlock) End() {
	m.done(strings.TrimSpace(strings.Join(m.lines, "\n")))
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
