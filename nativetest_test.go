//go:build !windows

package nativetest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-nativetest/types"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

// fakeGTest answers --help, --gtest_list_tests and --gtest_filter the way a
// GoogleTest binary does. The tests it lists are read from a "tests" file
// next to it, one "Suite.Name" per line.
const fakeGTest = `#!/bin/sh
dir=$(dirname "$0")
case "$1" in
--help)
	echo "This program contains tests written using Google Test. You can use the"
	echo "following command line flags to control its behavior:"
	;;
--gtest_list_tests)
	suite=""
	while read -r id; do
		s=${id%%.*}
		if [ "$s" != "$suite" ]; then
			echo "$s."
			suite=$s
		fi
		echo "  ${id#*.}"
	done < "$dir/tests"
	;;
--gtest_filter=*)
	filter=${1#--gtest_filter=}
	IFS=:
	for id in $filter; do
		echo "[ RUN      ] $id"
		case "$id" in
		*.Fails*)
			echo "math_test.cc:4: Failure"
			echo "Expected equality of these values"
			echo "[  FAILED  ] $id (1 ms)"
			;;
		*)
			echo "output of $id"
			echo "[       OK ] $id (1 ms)"
			;;
		esac
	done
	;;
esac
`

// fakeCatch2V2 behaves like a Catch2 v2 binary. It only lists through
// --list-test-names-only and prints a console listing for --list-tests.
const fakeCatch2V2 = `#!/bin/sh
case "$1" in
--help)
	echo "unit is a Catch v2.13.10 host application."
	echo "Run with -? for options"
	;;
--list-test-names-only)
	echo "adds numbers"
	echo "./hidden"
	exit 2
	;;
--list-tests)
	echo "All available test cases:"
	echo "  adds numbers"
	echo "2 test cases"
	;;
--reporter)
	shift 4
	echo '<?xml version="1.0" encoding="UTF-8"?>'
	echo '<Catch name="unit"><Group name="unit">'
	for name in "$@"; do
		echo "<TestCase name=\"$name\" filename=\"/src/a.cpp\" line=\"3\"><OverallResult success=\"true\"/></TestCase>"
	done
	echo '</Group></Catch>'
	;;
esac
`

type fixture struct {
	dir    string
	config *Config
	out    bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	return &fixture{
		dir: dir,
		config: &Config{
			ConfigFile:  filepath.Join(dir, "tests.yaml"),
			Concurrency: 2,
			RunOnce:     true,
			LogDir:      filepath.Join(dir, "logs"),
			HealthzAddr: "127.0.0.1:0",
			Metrics:     opmetrics.CLIConfig{ListenAddr: "127.0.0.1", ListenPort: 0},
			Log:         log.New(),
		},
	}
}

// binary writes a fake executable below name/ listing tests.
func (f *fixture) binary(t *testing.T, name string, tests ...string) {
	t.Helper()
	dir := filepath.Join(f.dir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	var list bytes.Buffer
	for _, id := range tests {
		list.WriteString(id + "\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tests"), list.Bytes(), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin"), []byte(fakeGTest), 0o755))
}

func (f *fixture) registry(t *testing.T, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.config.ConfigFile, []byte(content), 0o644))
}

func (f *fixture) start(t *testing.T) (*nativeTest, chan error, error) {
	t.Helper()
	shutdown := make(chan error, 1)
	n, err := New(context.Background(), f.config, "test", func(err error) { shutdown <- err })
	require.NoError(t, err)
	n.out = &f.out
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, n.Stop(ctx))
	})
	return n, shutdown, n.Start(context.Background())
}

func resultsByID(results []types.TestResult) map[string]types.TestResult {
	out := make(map[string]types.TestResult, len(results))
	for _, r := range results {
		out[r.Info.ID] = r
	}
	return out
}

func TestRunOnceWithFailures(t *testing.T) {
	f := newFixture(t)
	f.binary(t, "math", "Math.Adds", "Math.Fails", "Math.DISABLED_Slow")
	f.binary(t, "net", "Net.Ping")
	f.registry(t, `
executables:
  - name: math
    pattern: math/bin
  - name: net
    pattern: net/bin
    framework: gtest
`)

	n, shutdown, err := f.start(t)
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err))
	assert.False(t, IsRuntimeError(err))
	var failure *TestFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, []string{"math/Math.Fails"}, failure.Tests)
	assert.Empty(t, shutdown, "failures must not trigger a clean shutdown")

	summary := n.LastResult()
	require.NotNil(t, summary)
	require.Len(t, summary.Executables, 2)
	assert.Equal(t, "math", summary.Executables[0].Name)
	assert.Equal(t, "net", summary.Executables[1].Name)

	math := resultsByID(summary.Executables[0].Results)
	require.Len(t, math, 3)
	assert.Equal(t, types.TestStatusPass, math["Math.Adds"].Status)
	assert.Equal(t, []string{"output of Math.Adds"}, math["Math.Adds"].Output)
	assert.Equal(t, types.TestStatusFail, math["Math.Fails"].Status)
	require.Len(t, math["Math.Fails"].Failures, 1)
	assert.Equal(t, "math_test.cc", math["Math.Fails"].Failures[0].File)
	assert.Equal(t, types.TestStatusSkip, math["Math.DISABLED_Slow"].Status)

	net := resultsByID(summary.Executables[1].Results)
	require.Len(t, net, 1)
	assert.Equal(t, types.TestStatusPass, net["Net.Ping"].Status)

	stats := summary.Stats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, types.TestStatusFail, stats.Status)

	assert.Contains(t, f.out.String(), "Math.Fails")
	assert.Contains(t, f.out.String(), summary.String())

	logFile := filepath.Join(f.config.LogDir, "testrun-"+summary.RunID, "failed", "math", "Math.Fails.log")
	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "Expected equality of these values")
	assert.True(t, n.ready.Load())
}

func TestRunOnceSuccessShutsDown(t *testing.T) {
	f := newFixture(t)
	f.binary(t, "math", "Math.Adds", "Math.DISABLED_Slow")
	f.config.RunPattern = regexp.MustCompile(`^math/Math\.DISABLED_`)
	f.registry(t, "executables:\n  - name: math\n    pattern: math/bin\n    framework: gtest\n")

	n, shutdown, err := f.start(t)
	require.NoError(t, err)
	select {
	case err := <-shutdown:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run-once mode did not request shutdown")
	}

	results := resultsByID(n.LastResult().Executables[0].Results)
	require.Len(t, results, 2)
	assert.Equal(t, types.TestStatusPass, results["Math.Adds"].Status)
	assert.Equal(t, types.TestStatusPass, results["Math.DISABLED_Slow"].Status, "selected disabled tests run")
}

func TestNamedFrameworkDetectsVersion(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "unit"), []byte(fakeCatch2V2), 0o755))
	f.registry(t, "executables:\n  - name: unit\n    pattern: unit\n    framework: catch2\n")

	n, _, err := f.start(t)
	require.NoError(t, err)

	assert.Equal(t, "2.13.10", n.executables["unit"].exe.Framework().Version())
	summary := n.LastResult()
	require.Len(t, summary.Executables, 1)
	require.NoError(t, summary.Executables[0].Error)
	results := resultsByID(summary.Executables[0].Results)
	require.Len(t, results, 2)
	assert.Equal(t, types.TestStatusPass, results["adds numbers"].Status)
	assert.Equal(t, types.TestStatusSkip, results["./hidden"].Status)
}

func TestRunOnceAllSkipped(t *testing.T) {
	for _, allowSkips := range []bool{false, true} {
		f := newFixture(t)
		f.config.AllowSkips = allowSkips
		f.binary(t, "math", "Math.DISABLED_Slow")
		f.registry(t, "executables:\n  - name: math\n    pattern: math/bin\n    framework: gtest\n")

		_, _, err := f.start(t)
		if allowSkips {
			require.NoError(t, err)
		} else {
			require.True(t, IsTestFailureError(err))
			require.ErrorContains(t, err, "all 1 tests were skipped")
		}
	}
}

func TestRunOnceUnknownFramework(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "plain"), []byte("#!/bin/sh\necho usage: plain\n"), 0o755))
	f.registry(t, "executables:\n  - pattern: plain\n")

	n, _, err := f.start(t)
	require.Error(t, err)
	var runtimeErr *RuntimeError
	require.ErrorAs(t, err, &runtimeErr)
	assert.Equal(t, []string{"plain"}, runtimeErr.Executables)

	summary := n.LastResult()
	require.Len(t, summary.Executables, 1)
	assert.Error(t, summary.Executables[0].Error)
}

func TestNewRejectsBrokenRegistry(t *testing.T) {
	f := newFixture(t)
	f.registry(t, "executables:\n  - name: x\n")
	_, err := New(context.Background(), f.config, "test", func(error) {})
	require.Error(t, err)

	_, err = New(context.Background(), nil, "test", func(error) {})
	require.Error(t, err)
}

func TestSyncFollowsRegistry(t *testing.T) {
	f := newFixture(t)
	f.config.RunOnce = false
	f.config.RunInterval = time.Hour
	f.binary(t, "math", "Math.Adds")
	f.binary(t, "net", "Net.Ping")
	f.registry(t, "executables:\n  - name: math\n    pattern: math/bin\n    framework: gtest\n  - name: net\n    pattern: net/bin\n    framework: gtest\n")

	n, _, err := f.start(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"math", "net"}, n.tree.Parents())
	first := n.executables["math"].exe

	// Records of executables that were never built are pruned as well.
	n.tree.CreateTest("stale", types.TestInfo{ID: "Stale.Test"})
	f.registry(t, "executables:\n  - name: math\n    pattern: math/bin\n    framework: gtest\n")
	require.NoError(t, n.runTests(context.Background()))

	assert.Equal(t, []string{"math"}, n.tree.Parents())
	require.Len(t, n.executables, 1)
	assert.Same(t, first, n.executables["math"].exe, "unchanged entries keep their executable")
	require.Len(t, n.LastResult().Executables, 1)
}

func TestSyncUpdatesTimeLimitsInPlace(t *testing.T) {
	f := newFixture(t)
	f.config.RunOnce = false
	f.config.RunInterval = time.Hour
	f.config.TestTimeout = time.Minute
	f.binary(t, "math", "Math.Adds")
	f.binary(t, "net", "Net.Ping")
	f.registry(t, `
executables:
  - name: math
    pattern: math/bin
    framework: gtest
    timeout: 30s
  - name: net
    pattern: net/bin
    framework: gtest
`)

	n, _, err := f.start(t)
	require.NoError(t, err)
	math, net := n.executables["math"], n.executables["net"]
	require.NotNil(t, math.limit)
	assert.Equal(t, 30*time.Second, math.limit.Get())
	assert.Nil(t, net.limit, "executables without a timeout share the default limit")
	assert.Equal(t, time.Minute, n.defaultLimit.Get())
	assert.Equal(t, 2, n.pool.MaxTaskCount())

	f.registry(t, `
timeout: 5m
concurrency: 3
executables:
  - name: math
    pattern: math/bin
    framework: gtest
    timeout: 45s
  - name: net
    pattern: net/bin
    framework: gtest
`)
	require.NoError(t, n.runTests(context.Background()))

	assert.Same(t, math.exe, n.executables["math"].exe)
	assert.Same(t, math.limit, n.executables["math"].limit)
	assert.Equal(t, 45*time.Second, math.limit.Get())
	assert.Same(t, net.exe, n.executables["net"].exe)
	assert.Equal(t, 5*time.Minute, n.defaultLimit.Get())
	assert.Equal(t, 3, n.pool.MaxTaskCount())

	// Without file-wide settings the command line values apply again.
	f.registry(t, "executables:\n  - name: net\n    pattern: net/bin\n    framework: gtest\n")
	require.NoError(t, n.runTests(context.Background()))
	assert.Equal(t, time.Minute, n.defaultLimit.Get())
	assert.Equal(t, 2, n.pool.MaxTaskCount())
	assert.Same(t, net.exe, n.executables["net"].exe)
}
