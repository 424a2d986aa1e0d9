package reporting

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum-optimism/infra/op-nativetest/types"
)

// RunDirectoryPrefix prefixes the directory holding the logs of one run.
const RunDirectoryPrefix = "testrun-"

// LogWriter writes the output of a run below a base directory:
//
//	testrun-<id>/summary.log
//	testrun-<id>/all.log
//	testrun-<id>/passed/<executable>/<test>.log
//	testrun-<id>/failed/<executable>/<test>.log
type LogWriter struct {
	baseDir string
}

// NewLogWriter returns a writer below baseDir.
func NewLogWriter(baseDir string) (*LogWriter, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir cannot be empty")
	}
	return &LogWriter{baseDir: baseDir}, nil
}

// RunDir returns the directory of runID.
func (l *LogWriter) RunDir(runID string) string {
	return filepath.Join(l.baseDir, RunDirectoryPrefix+runID)
}

// Write stores the summary, a combined log and one file per test.
func (l *LogWriter) Write(s *Summary) error {
	if s.RunID == "" {
		return fmt.Errorf("runID cannot be empty")
	}
	dir := l.RunDir(s.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	var all strings.Builder
	for _, exe := range s.Executables {
		if exe.Error != nil {
			fmt.Fprintf(&all, "=== %s: %v\n\n", exe.Name, exe.Error)
		}
		for _, res := range exe.Results {
			content := formatResult(exe.Name, res)
			all.WriteString(content)
			all.WriteString("\n")

			sub := "passed"
			if res.Status == types.TestStatusFail || res.Status == types.TestStatusError {
				sub = "failed"
			}
			path := filepath.Join(dir, sub, safeFilename(exe.Name), safeFilename(res.Info.ID)+".log")
			if err := writeFile(path, content); err != nil {
				return err
			}
		}
	}
	if err := writeFile(filepath.Join(dir, "all.log"), all.String()); err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, "summary.log"), s.String()+"\n")
}

func formatResult(exe string, res types.TestResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s %s\n", exe, res.Info.ID)
	fmt.Fprintf(&b, "Status:   %s\n", res.Status)
	fmt.Fprintf(&b, "Duration: %s\n", FormatDuration(res.Duration))
	if loc := res.Info.Location(); loc != "" {
		fmt.Fprintf(&b, "Location: %s\n", loc)
	}
	if res.Message != "" {
		fmt.Fprintf(&b, "Message:  %s\n", res.Message)
	}
	for _, f := range res.Failures {
		b.WriteString("Failure:\n")
		b.WriteString(indentText(f.String(), "  "))
	}
	if len(res.Output) > 0 {
		b.WriteString("Output:\n")
		b.WriteString(indentText(strings.Join(res.Output, "\n"), "  "))
	}
	return b.String()
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func indentText(text, indent string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n") + "\n"
}

// safeFilename converts a test id to a file name.
func safeFilename(s string) string {
	r := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
		"\"", "_", "<", "_", ">", "_", "|", "_", " ", "_",
	)
	s = r.Replace(s)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
