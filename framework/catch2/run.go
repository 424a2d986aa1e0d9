package catch2

import (
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-nativetest/framework"
	"github.com/ethereum-optimism/infra/op-nativetest/parser/xmlstream"
	"github.com/ethereum-optimism/infra/op-nativetest/types"
)

// runRoot hands every <TestCase> of a run report to a testCase. The
// enclosing <Catch2TestRun> (v3) or <Catch>/<Group> (v2) elements and the
// overall totals are ignored.
type runRoot struct {
	sink framework.RunSink
	log  log.Logger
}

func (r *runRoot) OnOpenTag(tag *xmlstream.Tag) xmlstream.Processor {
	if tag.Name != "TestCase" {
		return nil
	}
	return &testCase{b: r.sink.Begin(tag.Attr("name")), log: r.log}
}

func (r *runRoot) OnCloseTag(*xmlstream.Tag)     {}
func (r *runRoot) OnText(string, *xmlstream.Tag) {}

type tagKind int

const (
	kindUnknown tagKind = iota
	kindSection
	kindExpression
	kindOriginal
	kindExpanded
	kindFailure
	kindException
	kindFatal
	kindInfo
	kindWarning
	kindSkip
	kindOverallResult
	kindStdOut
	kindStdErr
)

var tagKinds = map[string]tagKind{
	"Section":             kindSection,
	"Expression":          kindExpression,
	"Original":            kindOriginal,
	"Expanded":            kindExpanded,
	"Failure":             kindFailure,
	"Exception":           kindException,
	"FatalErrorCondition": kindFatal,
	"Info":                kindInfo,
	"Warning":             kindWarning,
	"Skip":                kindSkip,
	"OverallResult":       kindOverallResult,
	"StdOut":              kindStdOut,
	"StdErr":              kindStdErr,
}

type tagHandler struct {
	open  func(c *testCase, tag *xmlstream.Tag)
	text  func(c *testCase, text string)
	close func(c *testCase, tag *xmlstream.Tag)
}

var tagHandlers = map[tagKind]tagHandler{
	kindSection: {
		open:  (*testCase).openSection,
		close: (*testCase).closeSection,
	},
	kindExpression: {
		open:  (*testCase).openExpression,
		close: (*testCase).closeExpression,
	},
	kindOriginal: {
		text: func(c *testCase, text string) {
			if c.expr != nil {
				c.expr.original = text
			}
		},
	},
	kindExpanded: {
		text: func(c *testCase, text string) {
			if c.expr != nil {
				c.expr.expanded = text
			}
		},
	},
	kindFailure:   failureHandler("explicit failure", ""),
	kindException: failureHandler("unexpected exception", "unexpected exception: "),
	kindFatal:     failureHandler("fatal error condition", "fatal error: "),
	kindInfo: {
		text: func(c *testCase, text string) { c.infos = append(c.infos, text) },
	},
	kindWarning: {
		text: func(c *testCase, text string) { c.b.AppendOutput("warning: " + text) },
	},
	kindSkip: {
		text:  func(c *testCase, text string) { c.skipReason = text },
		close: func(c *testCase, _ *xmlstream.Tag) { c.skipped = true },
	},
	kindOverallResult: {
		open:  (*testCase).openOverallResult,
		close: (*testCase).closeOverallResult,
	},
	kindStdOut: {
		text: func(c *testCase, text string) { c.b.AppendOutput(text) },
	},
	kindStdErr: {
		text: func(c *testCase, text string) { c.b.AppendOutput(text) },
	},
}

// failureHandler builds the handler for elements whose text describes a
// failure at the element's location.
func failureHandler(fallback, prefix string) tagHandler {
	return tagHandler{
		open: func(c *testCase, tag *xmlstream.Tag) {
			c.pending = &types.Failure{
				File:    tag.Attr("filename"),
				Line:    atoi(tag.Attr("line")),
				Message: fallback,
				Section: c.sectionPath(),
			}
		},
		text: func(c *testCase, text string) {
			if c.pending != nil {
				c.pending.Message = prefix + text
			}
		},
		close: func(c *testCase, _ *xmlstream.Tag) {
			if c.pending != nil {
				c.addFailure(*c.pending)
				c.pending = nil
			}
		},
	}
}

type expression struct {
	success  bool
	macro    string
	file     string
	line     int
	original string
	expanded string
}

func (e *expression) message() string {
	msg := e.macro + "( " + e.original + " )"
	if e.expanded != "" && e.expanded != e.original {
		msg += "\nwith expansion:\n  " + e.expanded
	}
	return msg
}

// testCase builds the result of one <TestCase>.
type testCase struct {
	b   framework.Builder
	log log.Logger

	sections   []string
	expr       *expression
	pending    *types.Failure
	infos      []string
	skipped    bool
	skipReason string
	success    bool
	finished   bool
}

var (
	_ xmlstream.Beginner      = (*testCase)(nil)
	_ xmlstream.Ender         = (*testCase)(nil)
	_ xmlstream.StderrHandler = (*testCase)(nil)
	_ xmlstream.ErrorHandler  = (*testCase)(nil)
)

func (c *testCase) Begin(*xmlstream.Tag) {
	c.b.Started()
}

func (c *testCase) OnOpenTag(tag *xmlstream.Tag) xmlstream.Processor {
	kind := tagKinds[tag.Name]
	h, ok := tagHandlers[kind]
	if !ok {
		c.log.Debug("Ignoring unknown Catch2 element", "tag", tag.Name)
		return nil
	}
	if h.open != nil {
		h.open(c, tag)
	}
	return nil
}

func (c *testCase) OnText(text string, parent *xmlstream.Tag) {
	if h := tagHandlers[tagKinds[parent.Name]]; h.text != nil {
		h.text(c, text)
	}
}

func (c *testCase) OnCloseTag(tag *xmlstream.Tag) {
	if h := tagHandlers[tagKinds[tag.Name]]; h.close != nil {
		h.close(c, tag)
	}
}

func (c *testCase) OnStderr(data string, _ *xmlstream.Tag) bool {
	c.b.AppendOutput(data)
	return true
}

func (c *testCase) OnParseError(err error) {
	c.b.Errored("malformed test output: " + err.Error())
}

// End builds the result once the test reported its overall result. A test
// cut short by the process ending is left to the caller.
func (c *testCase) End() {
	if c.finished {
		c.b.Build()
	}
}

func (c *testCase) openSection(tag *xmlstream.Tag) {
	c.sections = append(c.sections, tag.Attr("name"))
}

func (c *testCase) closeSection(*xmlstream.Tag) {
	if n := len(c.sections); n > 0 {
		c.sections = c.sections[:n-1]
	}
}

func (c *testCase) openExpression(tag *xmlstream.Tag) {
	c.expr = &expression{
		success: tag.Attr("success") != "false",
		macro:   tag.Attr("type"),
		file:    tag.Attr("filename"),
		line:    atoi(tag.Attr("line")),
	}
}

func (c *testCase) closeExpression(*xmlstream.Tag) {
	e := c.expr
	c.expr = nil
	if e == nil || e.success {
		c.infos = nil
		return
	}
	c.addFailure(types.Failure{
		File:    e.file,
		Line:    e.line,
		Message: e.message(),
		Section: c.sectionPath(),
	})
}

func (c *testCase) openOverallResult(tag *xmlstream.Tag) {
	c.success = tag.Attr("success") == "true"
	if n, err := strconv.Atoi(tag.Attr("skips")); err == nil && n > 0 {
		c.skipped = true
	}
	if secs, err := strconv.ParseFloat(tag.Attr("durationInSeconds"), 64); err == nil {
		c.b.SetDuration(time.Duration(secs * float64(time.Second)))
	}
}

func (c *testCase) closeOverallResult(*xmlstream.Tag) {
	switch {
	case c.skipped:
		reason := c.skipReason
		if reason == "" {
			reason = "skipped"
		}
		c.b.Skipped(reason)
	case c.success:
		c.b.Passed()
	default:
		c.b.Failed("")
	}
	c.finished = true
}

func (c *testCase) addFailure(f types.Failure) {
	if len(c.infos) > 0 {
		f.Message += "\n" + strings.Join(c.infos, "\n")
		c.infos = nil
	}
	c.b.AddFailure(f)
}

func (c *testCase) sectionPath() []string {
	if len(c.sections) == 0 {
		return nil
	}
	return append([]string(nil), c.sections...)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
