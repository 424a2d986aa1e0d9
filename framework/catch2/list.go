package catch2

import (
	"strconv"
	"strings"

	"github.com/ethereum-optimism/infra/op-nativetest/framework"
	"github.com/ethereum-optimism/infra/op-nativetest/parser/linestream"
	"github.com/ethereum-optimism/infra/op-nativetest/parser/xmlstream"
	"github.com/ethereum-optimism/infra/op-nativetest/types"
)

// listRoot hands every <TestCase> of a <MatchingTests> listing to a listCase.
type listRoot struct {
	sink framework.ListSink
}

func (r *listRoot) OnOpenTag(tag *xmlstream.Tag) xmlstream.Processor {
	if tag.Name == "TestCase" {
		return &listCase{sink: r.sink}
	}
	return nil
}

func (r *listRoot) OnCloseTag(*xmlstream.Tag)     {}
func (r *listRoot) OnText(string, *xmlstream.Tag) {}

type listCase struct {
	sink framework.ListSink
	info types.TestInfo
	tags string
}

func (c *listCase) OnOpenTag(*xmlstream.Tag) xmlstream.Processor { return nil }
func (c *listCase) OnCloseTag(*xmlstream.Tag)                    {}

func (c *listCase) OnText(text string, parent *xmlstream.Tag) {
	switch parent.Name {
	case "Name":
		c.info.Name = text
	case "ClassName":
		c.info.Suite = text
	case "Tags":
		c.tags = text
	case "File":
		c.info.File = text
	case "Line":
		c.info.Line, _ = strconv.Atoi(text)
	}
}

func (c *listCase) End() {
	if c.info.Name == "" {
		return
	}
	c.info.ID = c.info.Name
	c.info.Tags = parseTags(c.tags)
	c.info.Skipped = isHidden(c.info.Name, c.info.Tags)
	c.sink.AddTest(c.info)
}

// nameLister handles the plain listing of Catch2 v2, one name per line.
type nameLister struct {
	sink framework.ListSink
}

func (n nameLister) Online(line string) linestream.Verdict {
	name := strings.TrimSpace(line)
	if name != "" {
		n.sink.AddTest(types.TestInfo{ID: name, Name: name, Skipped: isHidden(name, nil)})
	}
	return linestream.Continue
}
