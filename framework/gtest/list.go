package gtest

import (
	"strings"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-nativetest/framework"
	"github.com/ethereum-optimism/infra/op-nativetest/parser/linestream"
	"github.com/ethereum-optimism/infra/op-nativetest/types"
)

// listRoot waits for "Suite." lines and enters a suite for each.
type listRoot struct {
	sink framework.ListSink
}

func (r *listRoot) Online(line string) linestream.Verdict {
	line = stripComment(stripansi.Strip(line))
	if line == "" || strings.HasPrefix(line, " ") || !strings.HasSuffix(line, ".") {
		return linestream.Continue
	}
	return linestream.Enter(&listSuite{sink: r.sink, suite: strings.TrimSuffix(line, ".")})
}

// listSuite adds the indented test lines below a suite and hands the next
// suite line back to the root.
type listSuite struct {
	sink  framework.ListSink
	suite string
}

func (s *listSuite) Online(line string) linestream.Verdict {
	line = stripComment(stripansi.Strip(line))
	if !strings.HasPrefix(line, "  ") {
		return linestream.Retry
	}
	name := strings.TrimSpace(line)
	if name == "" {
		return linestream.Continue
	}
	id := s.suite + "." + name
	s.sink.AddTest(types.TestInfo{
		ID:      id,
		Name:    name,
		Suite:   s.suite,
		Skipped: isDisabled(id),
	})
	return linestream.Continue
}
