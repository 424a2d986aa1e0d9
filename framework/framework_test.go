package framework

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-nativetest/parser/linestream"
	"github.com/ethereum-optimism/infra/op-nativetest/parser/xmlstream"
)

type fakeFramework struct {
	name    string
	version string
}

func (f *fakeFramework) Name() string                                { return f.name }
func (f *fakeFramework) Version() string                             { return f.version }
func (f *fakeFramework) ListArgs() []string                          { return nil }
func (f *fakeFramework) NewListSession(ListSink, log.Logger) Session { return nil }
func (f *fakeFramework) RunArgs(ids []string) []string               { return ids }
func (f *fakeFramework) NewRunSession(RunSink, log.Logger) Session   { return nil }

// bannerKind matches help text containing "<name> v<version>".
type bannerKind struct{ name string }

func (k bannerKind) Name() string { return k.name }

func (k bannerKind) Match(help string) (string, bool) {
	i := strings.Index(help, k.name+" v")
	if i < 0 {
		return "", false
	}
	rest := help[i+len(k.name)+2:]
	return strings.Fields(rest)[0], true
}

func (k bannerKind) New(version string) Framework {
	return &fakeFramework{name: k.name, version: version}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(bannerKind{"beta"}, bannerKind{"alpha"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, reg.Names())
	assert.Equal(t, "beta", reg.Kinds()[0].Name())

	k, ok := reg.Lookup("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", k.Name())

	_, err = NewRegistry(bannerKind{"a"}, bannerKind{"a"})
	assert.Error(t, err)
}

func TestDetectCachesUntilFileChanges(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses shell scripts")
	}
	dir := t.TempDir()
	counter := filepath.Join(dir, "count")
	bin := writeScript(t, dir, "tests", `echo x >> `+counter+`
printf '\033[1mtests is a Catch2 v3.5.2 host application.\033[0m\n'`)

	reg, err := NewRegistry(bannerKind{"GoogleTest"}, bannerKind{"Catch2"})
	require.NoError(t, err)
	d, err := NewDetector(reg, 4, log.New())
	require.NoError(t, err)

	fw, err := d.Detect(context.Background(), bin)
	require.NoError(t, err)
	assert.Equal(t, "Catch2", fw.Name())
	assert.Equal(t, "3.5.2", fw.Version())

	_, err = d.Detect(context.Background(), bin)
	require.NoError(t, err)
	runs := func() int {
		b, err := os.ReadFile(counter)
		require.NoError(t, err)
		return strings.Count(string(b), "x")
	}
	assert.Equal(t, 1, runs())

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(bin, later, later))
	_, err = d.Detect(context.Background(), bin)
	require.NoError(t, err)
	assert.Equal(t, 2, runs())
}

func TestDetectUnknown(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses shell scripts")
	}
	bin := writeScript(t, t.TempDir(), "tool", "echo usage: tool [flags]")
	reg, err := NewRegistry(bannerKind{"Catch2"})
	require.NoError(t, err)
	d, err := NewDetector(reg, 0, nil)
	require.NoError(t, err)

	_, err = d.Detect(context.Background(), bin)
	require.ErrorIs(t, err, ErrUnknownFramework)

	_, err = d.Detect(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestDetectVersionOfNamedKind(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses shell scripts")
	}
	dir := t.TempDir()
	old := writeScript(t, dir, "old", "echo 'old is a Catch2 v2.13.10 host application.'")
	other := writeScript(t, dir, "other", "echo 'built with GoogleTest v1.14.0'")

	reg, err := NewRegistry(bannerKind{"GoogleTest"}, bannerKind{"Catch2"})
	require.NoError(t, err)
	d, err := NewDetector(reg, 4, log.New())
	require.NoError(t, err)

	fw, err := d.DetectVersion(context.Background(), old, bannerKind{"Catch2"})
	require.NoError(t, err)
	assert.Equal(t, "Catch2", fw.Name())
	assert.Equal(t, "2.13.10", fw.Version())

	// The named kind wins over kinds the help output matches.
	fw, err = d.DetectVersion(context.Background(), other, bannerKind{"Catch2"})
	require.NoError(t, err)
	assert.Equal(t, "Catch2", fw.Name())
	assert.Equal(t, "", fw.Version())

	_, err = d.DetectVersion(context.Background(), filepath.Join(dir, "missing"), bannerKind{"Catch2"})
	require.Error(t, err)
}

func TestVersions(t *testing.T) {
	assert.Equal(t, "v3.5.2", CanonicalVersion("3.5.2"))
	assert.Equal(t, "v2.13.0", CanonicalVersion("v2.13"))
	assert.Equal(t, "", CanonicalVersion("unknown"))
	assert.Equal(t, "", CanonicalVersion(""))

	assert.True(t, AtLeast("3.0.0", "3.0.0"))
	assert.True(t, AtLeast("3.5.2", "v3"))
	assert.False(t, AtLeast("2.13.10", "3.0.0"))
	assert.False(t, AtLeast("", "1.0.0"))
}

func TestLineSessionSerialisesStreams(t *testing.T) {
	var out, errs []string
	stdout := linestream.New(linestream.Func(func(line string) linestream.Verdict {
		out = append(out, line)
		return linestream.Continue
	}))
	stderr := linestream.New(linestream.Func(func(line string) linestream.Verdict {
		errs = append(errs, line)
		return linestream.Continue
	}))
	s := NewLineSession(stdout, stderr)

	_, err := s.Write([]byte("a\nb"))
	require.NoError(t, err)
	s.WriteStderr([]byte("warn"))
	require.NoError(t, s.End())

	assert.Equal(t, []string{"a", "b"}, out)
	assert.Equal(t, []string{"warn"}, errs)
}

func TestXMLSessionFallsBackForUnhandledStderr(t *testing.T) {
	var fallback []string
	var texts []string
	p := xmlstream.New(xmlstream.Funcs{Text: func(text string, _ *xmlstream.Tag) { texts = append(texts, text) }})
	s := NewXMLSession(p, func(s string) { fallback = append(fallback, s) })

	s.WriteStderr([]byte("early"))
	_, err := s.Write([]byte("<A>x</A>"))
	require.NoError(t, err)
	require.NoError(t, s.End())

	assert.Equal(t, []string{"early"}, fallback)
	assert.Equal(t, []string{"x"}, texts)
}
