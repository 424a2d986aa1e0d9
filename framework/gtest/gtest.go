// Package gtest drives GoogleTest executables through their console output.
package gtest

import (
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-nativetest/framework"
	"github.com/ethereum-optimism/infra/op-nativetest/parser/linestream"
)

const Name = "gtest"

const disabledPrefix = "DISABLED_"

var (
	helpRegex    = regexp.MustCompile(`(?i)this program contains tests written using google ?test`)
	versionRegex = regexp.MustCompile(`(?i)google ?test v?(\d+\.\d+\.\d+)`)
)

// Kind recognises GoogleTest executables.
type Kind struct{}

var _ framework.Kind = Kind{}

func (Kind) Name() string { return Name }

func (Kind) Match(help string) (string, bool) {
	if !helpRegex.MatchString(help) {
		return "", false
	}
	if m := versionRegex.FindStringSubmatch(help); m != nil {
		return m[1], true
	}
	return "", true
}

func (Kind) New(version string) framework.Framework {
	return &GTest{version: version}
}

// GTest is a GoogleTest executable.
type GTest struct {
	version string
}

var _ framework.Framework = (*GTest)(nil)

func (g *GTest) Name() string    { return Name }
func (g *GTest) Version() string { return g.version }

func (g *GTest) ListArgs() []string {
	return []string{"--gtest_list_tests"}
}

func (g *GTest) NewListSession(sink framework.ListSink, _ log.Logger) framework.Session {
	return framework.NewLineSession(linestream.New(&listRoot{sink: sink}), nil)
}

// RunArgs selects ids through a single filter. Disabled tests only run when
// asked for explicitly, which also needs a flag.
func (g *GTest) RunArgs(ids []string) []string {
	args := []string{"--gtest_filter=" + strings.Join(ids, ":"), "--gtest_color=no"}
	for _, id := range ids {
		if isDisabled(id) {
			args = append(args, "--gtest_also_run_disabled_tests")
			break
		}
	}
	return args
}

func (g *GTest) NewRunSession(sink framework.RunSink, l log.Logger) framework.Session {
	r := &runRoot{sink: sink, log: l}
	stderr := linestream.New(linestream.Func(r.onStderr))
	return framework.NewLineSession(linestream.New(r), stderr)
}

// isDisabled reports whether a "Suite.Name" id is disabled by prefix.
func isDisabled(id string) bool {
	suite, name, _ := strings.Cut(id, ".")
	return strings.HasPrefix(suite, disabledPrefix) || strings.HasPrefix(name, disabledPrefix) ||
		strings.Contains(suite, "/"+disabledPrefix)
}

// stripComment removes the "  # TypeParam = int" annotation of typed and
// parameterised tests.
func stripComment(s string) string {
	if i := strings.Index(s, "  #"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimRight(s, " ")
}
