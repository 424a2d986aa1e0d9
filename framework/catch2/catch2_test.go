package catch2

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-nativetest/framework"
	"github.com/ethereum-optimism/infra/op-nativetest/testtree"
	"github.com/ethereum-optimism/infra/op-nativetest/types"
)

type listSink struct{ tests []types.TestInfo }

func (s *listSink) AddTest(info types.TestInfo) { s.tests = append(s.tests, info) }

type runSink struct {
	mu       sync.Mutex
	tree     *testtree.Tree
	builders map[string]*testtree.Builder
	output   []string
}

func newRunSink() *runSink {
	return &runSink{tree: testtree.New(), builders: map[string]*testtree.Builder{}}
}

func (s *runSink) Begin(id string) framework.Builder {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.tree.NewBuilder(nil, types.TestInfo{ID: id}, "run")
	s.builders[id] = b
	return b
}

func (s *runSink) Output(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = append(s.output, text)
}

func (s *runSink) results() map[string]types.TestResult {
	out := map[string]types.TestResult{}
	for _, r := range s.tree.Results("run") {
		out[r.Info.ID] = r
	}
	return out
}

func feed(t *testing.T, s framework.Session, doc string) {
	t.Helper()
	// Small chunks so elements straddle writes.
	for len(doc) > 0 {
		n := min(len(doc), 17)
		_, err := s.Write([]byte(doc[:n]))
		require.NoError(t, err)
		doc = doc[n:]
	}
	require.NoError(t, s.End())
}

const v3Run = `<?xml version="1.0" encoding="UTF-8"?>
<Catch2TestRun name="unit" rng-seed="1" xml-format-version="3" catch2-version="3.5.2">
  <TestCase name="adds numbers" tags="[math]" filename="/src/math.cpp" line="10">
    <OverallResult success="true" skips="0" durationInSeconds="0.25"/>
  </TestCase>
  <TestCase name="divides, carefully" filename="/src/math.cpp" line="20">
    <Section name="by zero" filename="/src/math.cpp" line="22">
      <Section name="negative" filename="/src/math.cpp" line="23">
        <Info filename="/src/math.cpp" line="24">x := -1</Info>
        <Expression success="false" type="REQUIRE" filename="/src/math.cpp" line="25">
          <Original>
            div(x, 0) == 0
          </Original>
          <Expanded>
            1 == 0
          </Expanded>
        </Expression>
        <OverallResults successes="0" failures="1" expectedFailures="0" skipped="false"/>
      </Section>
      <OverallResults successes="0" failures="1" expectedFailures="0" skipped="false"/>
    </Section>
    <Exception filename="/src/math.cpp" line="30">
      std::runtime_error &amp; friends
    </Exception>
    <OverallResult success="false" skips="0">
      <StdOut>
printed line
      </StdOut>
    </OverallResult>
  </TestCase>
  <TestCase name="later" filename="/src/math.cpp" line="40">
    <Skip filename="/src/math.cpp" line="41">
      not on this platform
    </Skip>
    <OverallResult success="true" skips="1"/>
  </TestCase>
  <TestCase name="unknown elements" filename="/src/math.cpp" line="50">
    <BenchmarkResults name="fast"/>
    <Expression success="true" type="CHECK" filename="/src/math.cpp" line="51">
      <Original>ok</Original>
      <Expanded>true</Expanded>
    </Expression>
    <OverallResult success="true"/>
  </TestCase>
  <OverallResults successes="1" failures="2" expectedFailures="0" skips="1"/>
  <OverallResultsCases successes="2" failures="1" expectedFailures="0" skips="1"/>
</Catch2TestRun>
`

func TestRunSessionV3(t *testing.T) {
	sink := newRunSink()
	fw := Kind{}.New("3.5.2")
	feed(t, fw.NewRunSession(sink, log.New()), v3Run)

	res := sink.results()
	require.Len(t, res, 4)

	pass := res["adds numbers"]
	assert.Equal(t, types.TestStatusPass, pass.Status)
	assert.Equal(t, 250*time.Millisecond, pass.Duration)

	fail := res["divides, carefully"]
	assert.Equal(t, types.TestStatusFail, fail.Status)
	require.Len(t, fail.Failures, 2)
	assert.Equal(t, types.Failure{
		File:    "/src/math.cpp",
		Line:    25,
		Message: "REQUIRE( div(x, 0) == 0 )\nwith expansion:\n  1 == 0\nx := -1",
		Section: []string{"by zero", "negative"},
	}, fail.Failures[0])
	assert.Equal(t, "unexpected exception: std::runtime_error & friends", fail.Failures[1].Message)
	assert.Equal(t, 30, fail.Failures[1].Line)
	assert.Nil(t, fail.Failures[1].Section)
	assert.Equal(t, []string{"printed line"}, fail.Output)

	skip := res["later"]
	assert.Equal(t, types.TestStatusSkip, skip.Status)
	assert.Equal(t, "not on this platform", skip.Message)

	assert.Equal(t, types.TestStatusPass, res["unknown elements"].Status)
}

func TestRunSessionV2Layout(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<Catch name="unit">
  <Group name="unit">
    <TestCase name="old style" filename="/src/a.cpp" line="3">
      <Failure filename="/src/a.cpp" line="4">
        explicit
      </Failure>
      <FatalErrorCondition filename="/src/a.cpp" line="5">
        SIGSEGV - Segmentation violation signal
      </FatalErrorCondition>
      <OverallResult success="false"/>
    </TestCase>
    <OverallResults successes="0" failures="1" expectedFailures="0"/>
  </Group>
  <OverallResults successes="0" failures="1" expectedFailures="0"/>
</Catch>`
	sink := newRunSink()
	feed(t, Kind{}.New("2.13.10").NewRunSession(sink, log.New()), doc)

	res := sink.results()["old style"]
	assert.Equal(t, types.TestStatusFail, res.Status)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "explicit", res.Failures[0].Message)
	assert.Equal(t, "fatal error: SIGSEGV - Segmentation violation signal", res.Failures[1].Message)
}

func TestTruncatedRunLeavesBuilderOpen(t *testing.T) {
	doc := `<Catch2TestRun><TestCase name="crashes"><Expression success="false" type="CHECK">`
	sink := newRunSink()
	feed(t, Kind{}.New("").NewRunSession(sink, log.New()), doc)

	require.Contains(t, sink.builders, "crashes")
	assert.False(t, sink.builders["crashes"].Built())
	assert.Empty(t, sink.results())
}

func TestStderrIsAttributedToCurrentTest(t *testing.T) {
	sink := newRunSink()
	s := Kind{}.New("3.0.1").NewRunSession(sink, log.New())

	s.WriteStderr([]byte("before any test"))
	_, err := s.Write([]byte(`<Catch2TestRun><TestCase name="a"><OverallResult success="true"/></TestCase></Catch2TestRun>`))
	require.NoError(t, err)
	require.NoError(t, s.End())

	assert.Equal(t, []string{"before any test"}, sink.output)
}

func TestListSessionXML(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<MatchingTests>
  <TestCase>
    <Name>adds numbers</Name>
    <ClassName/>
    <Tags>[math][fast]</Tags>
    <SourceInfo>
      <File>/src/math.cpp</File>
      <Line>10</Line>
    </SourceInfo>
  </TestCase>
  <TestCase>
    <Name>Fixture::slow</Name>
    <ClassName>Fixture</ClassName>
    <Tags>[.][integration]</Tags>
    <SourceInfo>
      <File>/src/slow.cpp</File>
      <Line>7</Line>
    </SourceInfo>
  </TestCase>
</MatchingTests>`
	sink := &listSink{}
	fw := Kind{}.New("3.5.2")
	assert.Equal(t, []string{"--list-tests", "--reporter", "xml"}, fw.ListArgs())
	feed(t, fw.NewListSession(sink, log.New()), doc)

	require.Len(t, sink.tests, 2)
	assert.Equal(t, types.TestInfo{
		ID:   "adds numbers",
		Name: "adds numbers",
		File: "/src/math.cpp",
		Line: 10,
		Tags: []string{"math", "fast"},
	}, sink.tests[0])
	assert.Equal(t, "Fixture", sink.tests[1].Suite)
	assert.True(t, sink.tests[1].Skipped)
}

func TestListSessionV2Names(t *testing.T) {
	sink := &listSink{}
	fw := Kind{}.New("2.13.10")
	assert.Equal(t, []string{"--list-test-names-only"}, fw.ListArgs())
	feed(t, fw.NewListSession(sink, log.New()), "first test\n\n./hidden\r\nlast")

	require.Len(t, sink.tests, 3)
	assert.Equal(t, "first test", sink.tests[0].ID)
	assert.True(t, sink.tests[1].Skipped)
	assert.Equal(t, "last", sink.tests[2].Name)
}

func TestMatch(t *testing.T) {
	v, ok := Kind{}.Match("\nunit is a Catch2 v3.5.2 host application.\nRun with -? for options")
	require.True(t, ok)
	assert.Equal(t, "3.5.2", v)

	v, ok = Kind{}.Match("unit is a Catch v2.13.10 host application.")
	require.True(t, ok)
	assert.Equal(t, "2.13.10", v)

	_, ok = Kind{}.Match("This program contains tests written using Google Test.")
	assert.False(t, ok)
}

func TestRunArgsEscapeNames(t *testing.T) {
	args := Kind{}.New("3.5.2").RunArgs([]string{"a, b", "[tag] *x*", `~neg\`})
	assert.Equal(t, []string{
		"--reporter", "xml", "--durations", "yes",
		`a\, b`, `\[tag\] \*x\*`, `\~neg\\`,
	}, args)
}

func TestParseTags(t *testing.T) {
	assert.Equal(t, []string{"a", ".", "b"}, parseTags("[a][.][b]"))
	assert.Nil(t, parseTags(""))
	assert.Equal(t, []string{"x"}, parseTags("[x][unterminated"))
	assert.True(t, isHidden("t", []string{"!hide"}))
	assert.True(t, isHidden("t", []string{".integration"}))
	assert.False(t, isHidden("t", []string{"math"}))
	assert.True(t, strings.HasPrefix(Name, "catch"))
}
