// Package reporting renders run results as a console table and per-test log
// files.
package reporting

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-nativetest/testtree"
	"github.com/ethereum-optimism/infra/op-nativetest/types"
)

// ExecutableResults groups the results of one executable in a run.
type ExecutableResults struct {
	Name     string
	Duration time.Duration
	Results  []types.TestResult
	Error    error // Set when the executable could not be run
}

// Summary is the outcome of a whole run across executables.
type Summary struct {
	RunID       string
	Duration    time.Duration
	Executables []ExecutableResults
}

// Stats aggregates all results of the run.
func (s *Summary) Stats() testtree.Stats {
	var all []types.TestResult
	for _, exe := range s.Executables {
		all = append(all, exe.Results...)
	}
	stats := testtree.ComputeStats(all)
	for _, exe := range s.Executables {
		if exe.Error != nil {
			stats.Status = types.TestStatusError
		}
	}
	return stats
}

func (s *Summary) String() string {
	st := s.Stats()
	return fmt.Sprintf("Run %s: %s, %d tests, %d passed, %d failed, %d skipped, %d errored (%s)",
		s.RunID, st.Status, st.Total, st.Passed, st.Failed, st.Skipped, st.Errored, FormatDuration(s.Duration))
}

// TableOptions control PrintTable.
type TableOptions struct {
	ShowPassed bool // List passing and skipped tests, not only problems
}

// PrintTable writes the results of the run as a table.
func PrintTable(w io.Writer, s *Summary, opts TableOptions) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Native Test Results (%s)", FormatDuration(s.Duration)))

	t.AppendHeader(table.Row{
		"Type", "ID", "Duration", "Tests", "Passed", "Failed", "Skipped", "Status", "Error",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "ID", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, exe := range s.Executables {
		stats := testtree.ComputeStats(exe.Results)
		status, errMsg := stats.Status, ""
		if exe.Error != nil {
			status, errMsg = types.TestStatusError, firstLine(exe.Error.Error())
		}
		t.AppendRow(table.Row{
			"Executable",
			exe.Name,
			FormatDuration(exe.Duration),
			"-",
			stats.Passed,
			stats.Failed,
			stats.Skipped,
			getResultString(status),
			errMsg,
		})

		var shown []types.TestResult
		for _, res := range exe.Results {
			if opts.ShowPassed || res.Status == types.TestStatusFail || res.Status == types.TestStatusError {
				shown = append(shown, res)
			}
		}
		for i, res := range shown {
			prefix := "├──"
			if i == len(shown)-1 {
				prefix = "└──"
			}
			t.AppendRow(table.Row{
				"Test",
				fmt.Sprintf("%s %s", prefix, types.GetTestDisplayName(res.Info)),
				FormatDuration(res.Duration),
				"1",
				boolToInt(res.Status == types.TestStatusPass),
				boolToInt(res.Status == types.TestStatusFail),
				boolToInt(res.Status == types.TestStatusSkip),
				getResultString(res.Status),
				keyErrorMessage(res),
			})
		}
		t.AppendSeparator()
	}

	stats := s.Stats()
	switch stats.Status {
	case types.TestStatusPass:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case types.TestStatusSkip:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		FormatDuration(s.Duration),
		stats.Total,
		stats.Passed,
		stats.Failed,
		stats.Skipped,
		getResultString(stats.Status),
		"",
	})
	t.Render()
}

// keyErrorMessage picks the line most worth showing for a failed test.
func keyErrorMessage(res types.TestResult) string {
	switch {
	case res.Status == types.TestStatusPass:
		return ""
	case len(res.Failures) > 0:
		return firstLine(res.Failures[0].String())
	default:
		return firstLine(res.Message)
	}
}

func firstLine(s string) string {
	if idx := strings.Index(s, "\n"); idx != -1 {
		s = s[:idx]
	}
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func getResultString(status types.TestStatus) string {
	switch status {
	case types.TestStatusPass:
		return "✓ pass"
	case types.TestStatusSkip:
		return "- skip"
	case types.TestStatusError:
		return "! error"
	default:
		return "✗ fail"
	}
}

// FormatDuration formats d in seconds with one decimal.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
