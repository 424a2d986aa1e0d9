package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBinary(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
}

func TestRegistryYAML(t *testing.T) {
	tmpDir := t.TempDir()
	writeBinary(t, filepath.Join(tmpDir, "build", "math_test"))
	writeBinary(t, filepath.Join(tmpDir, "build", "net_test"))
	writeBinary(t, filepath.Join(tmpDir, "build", "solo"))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "build", "notes_test"), []byte("x"), 0o644))

	configPath := filepath.Join(tmpDir, "tests.yaml")
	validConfig := `
executables:
  - name: unit
    pattern: build/*_test
    framework: gtest
    cwd: build
    args: ["--verbose"]
    env:
      B: "2"
      A: "1"
    parallelization_limit: 4
    timeout: 90s
  - pattern: build/solo
    low_priority: true
`
	require.NoError(t, os.WriteFile(configPath, []byte(validConfig), 0o644))

	r, err := NewRegistry(Config{
		ConfigFile:     configPath,
		Frameworks:     []string{"catch2", "gtest"},
		DefaultTimeout: time.Minute,
	})
	require.NoError(t, err)

	exes := r.Executables()
	require.Len(t, exes, 3)
	assert.Equal(t, "unit/math_test", exes[0].Name)
	assert.Equal(t, "unit/net_test", exes[1].Name)
	assert.Equal(t, filepath.Join(tmpDir, "build", "math_test"), exes[0].Path)
	assert.Equal(t, "gtest", exes[0].Framework)
	assert.Equal(t, filepath.Join(tmpDir, "build"), exes[0].Dir)
	assert.Equal(t, []string{"--verbose"}, exes[0].Args)
	assert.Equal(t, []string{"A=1", "B=2"}, exes[0].Env[len(exes[0].Env)-2:])
	assert.Equal(t, 4, exes[0].ParallelizationLimit)
	assert.Equal(t, 90*time.Second, exes[0].Timeout)
	assert.False(t, exes[0].InheritsTimeout)

	solo := exes[2]
	assert.Equal(t, "solo", solo.Name)
	assert.Equal(t, FrameworkAuto, solo.Framework)
	assert.Nil(t, solo.Env)
	assert.Equal(t, time.Minute, solo.Timeout)
	assert.True(t, solo.InheritsTimeout)
	assert.Equal(t, Defaults{Timeout: time.Minute}, r.Defaults())
	assert.True(t, solo.LowPriority)
}

func TestRegistryTOML(t *testing.T) {
	tmpDir := t.TempDir()
	writeBinary(t, filepath.Join(tmpDir, "core_tests"))
	configPath := filepath.Join(tmpDir, "tests.toml")
	validConfig := `
[[executables]]
name = "core"
pattern = "core_tests"
framework = "Catch2"
timeout = "5m"
`
	require.NoError(t, os.WriteFile(configPath, []byte(validConfig), 0o644))

	r, err := NewRegistry(Config{ConfigFile: configPath, Frameworks: []string{"catch2", "gtest"}})
	require.NoError(t, err)
	exes := r.Executables()
	require.Len(t, exes, 1)
	assert.Equal(t, "core", exes[0].Name)
	assert.Equal(t, "catch2", exes[0].Framework)
	assert.Equal(t, 5*time.Minute, exes[0].Timeout)
}

func TestRegistryErrors(t *testing.T) {
	tmpDir := t.TempDir()
	writeBinary(t, filepath.Join(tmpDir, "a", "bin"))
	writeBinary(t, filepath.Join(tmpDir, "b", "bin"))

	tests := []struct {
		name   string
		config string
	}{
		{name: "missing pattern", config: "executables:\n  - name: x\n"},
		{name: "unknown framework", config: "executables:\n  - pattern: a/bin\n    framework: boost\n"},
		{name: "bad timeout", config: "executables:\n  - pattern: a/bin\n    timeout: soon\n"},
		{name: "negative limit", config: "executables:\n  - pattern: a/bin\n    parallelization_limit: -1\n"},
		{name: "duplicate names", config: "executables:\n  - pattern: a/bin\n  - pattern: b/bin\n"},
		{name: "invalid yaml", config: "executables: [\n"},
		{name: "bad default timeout", config: "timeout: later\nexecutables:\n  - pattern: a/bin\n"},
		{name: "negative concurrency", config: "concurrency: -2\nexecutables:\n  - pattern: a/bin\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tmpDir, "tests.yaml")
			require.NoError(t, os.WriteFile(configPath, []byte(tt.config), 0o644))
			_, err := NewRegistry(Config{ConfigFile: configPath, Frameworks: []string{"catch2", "gtest"}})
			require.Error(t, err)
		})
	}

	_, err := NewRegistry(Config{})
	require.Error(t, err)
	_, err = NewRegistry(Config{ConfigFile: filepath.Join(tmpDir, "nonexistent.yaml")})
	require.Error(t, err)
}

func TestRegistryReload(t *testing.T) {
	tmpDir := t.TempDir()
	writeBinary(t, filepath.Join(tmpDir, "one_test"))
	configPath := filepath.Join(tmpDir, "tests.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("executables:\n  - pattern: '*_test'\n"), 0o644))

	r, err := NewRegistry(Config{ConfigFile: configPath})
	require.NoError(t, err)
	require.Len(t, r.Executables(), 1)

	writeBinary(t, filepath.Join(tmpDir, "two_test"))
	require.NoError(t, r.Reload())
	exes := r.Executables()
	require.Len(t, exes, 2)
	assert.Equal(t, "two_test", exes[1].Name)
}

func TestRegistryFileDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	writeBinary(t, filepath.Join(tmpDir, "a_test"))
	writeBinary(t, filepath.Join(tmpDir, "b_test"))
	configPath := filepath.Join(tmpDir, "tests.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
timeout: 2m
concurrency: 3
executables:
  - pattern: a_test
  - pattern: b_test
    timeout: 10s
`), 0o644))

	r, err := NewRegistry(Config{ConfigFile: configPath, DefaultTimeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, Defaults{Timeout: 2 * time.Minute, Concurrency: 3}, r.Defaults())
	exes := r.Executables()
	require.Len(t, exes, 2)
	assert.Equal(t, 2*time.Minute, exes[0].Timeout)
	assert.True(t, exes[0].InheritsTimeout)
	assert.Equal(t, 10*time.Second, exes[1].Timeout)
	assert.False(t, exes[1].InheritsTimeout)

	// Dropping the file-wide settings falls back to the configured ones.
	require.NoError(t, os.WriteFile(configPath, []byte("executables:\n  - pattern: a_test\n"), 0o644))
	require.NoError(t, r.Reload())
	assert.Equal(t, Defaults{Timeout: time.Minute}, r.Defaults())
	assert.Equal(t, time.Minute, r.Executables()[0].Timeout)
}
