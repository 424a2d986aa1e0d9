// Package catch2 drives Catch2 test executables through their XML reporter.
package catch2

import (
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-nativetest/framework"
	"github.com/ethereum-optimism/infra/op-nativetest/parser/linestream"
	"github.com/ethereum-optimism/infra/op-nativetest/parser/xmlstream"
)

const Name = "catch2"

// xmlListingVersion is the first release that lists tests through reporters.
const xmlListingVersion = "3.0.0"

var bannerRegex = regexp.MustCompile(`Catch2? v(\d+\.\d+\.\d+)`)

// Kind recognises Catch2 executables.
type Kind struct{}

var _ framework.Kind = Kind{}

func (Kind) Name() string { return Name }

func (Kind) Match(help string) (string, bool) {
	m := bannerRegex.FindStringSubmatch(help)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func (Kind) New(version string) framework.Framework {
	return &Catch2{version: version}
}

// Catch2 is a Catch2 executable of a given version. An empty version is
// treated as the newest.
type Catch2 struct {
	version string
}

var _ framework.Framework = (*Catch2)(nil)

func (c *Catch2) Name() string    { return Name }
func (c *Catch2) Version() string { return c.version }

func (c *Catch2) xmlListing() bool {
	return c.version == "" || framework.AtLeast(c.version, xmlListingVersion)
}

func (c *Catch2) ListArgs() []string {
	if c.xmlListing() {
		return []string{"--list-tests", "--reporter", "xml"}
	}
	return []string{"--list-test-names-only"}
}

func (c *Catch2) NewListSession(sink framework.ListSink, l log.Logger) framework.Session {
	if c.xmlListing() {
		return framework.NewXMLSession(xmlstream.New(&listRoot{sink: sink}, xmlstream.WithLogger(l)), nil)
	}
	return framework.NewLineSession(linestream.New(nameLister{sink: sink}), nil)
}

func (c *Catch2) RunArgs(ids []string) []string {
	args := []string{"--reporter", "xml", "--durations", "yes"}
	for _, id := range ids {
		args = append(args, EscapeName(id))
	}
	return args
}

func (c *Catch2) NewRunSession(sink framework.RunSink, l log.Logger) framework.Session {
	root := &runRoot{sink: sink, log: l}
	return framework.NewXMLSession(xmlstream.New(root, xmlstream.WithLogger(l)), sink.Output)
}

// EscapeName escapes the characters that Catch2 treats specially in test
// specs on the command line.
func EscapeName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch r {
		case '\\', ',', '[', ']', '*', '"':
			b.WriteByte('\\')
		case '~':
			if i == 0 {
				b.WriteByte('\\')
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

// parseTags splits "[a][.][b]" into its tag names.
func parseTags(s string) []string {
	var tags []string
	for {
		open := strings.IndexByte(s, '[')
		if open < 0 {
			return tags
		}
		end := strings.IndexByte(s[open:], ']')
		if end < 0 {
			return tags
		}
		if tag := s[open+1 : open+end]; tag != "" {
			tags = append(tags, tag)
		}
		s = s[open+end+1:]
	}
}

// isHidden reports whether Catch2 skips the test unless it is named.
func isHidden(name string, tags []string) bool {
	if strings.HasPrefix(name, "./") {
		return true
	}
	for _, t := range tags {
		if t == "." || t == "!hide" || strings.HasPrefix(t, ".") {
			return true
		}
	}
	return false
}
