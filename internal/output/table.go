package output

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
)

// TableFormatter renders results as an ASCII table.
type TableFormatter struct{}

// FormatDecision renders a decision report as a table, one row per evaluated
// dimension.
func (f *TableFormatter) FormatDecision(report *DecisionReport) (string, error) {
	if report == nil {
		return "", nil
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Dimension", "Key", "Outcome", "Limit", "Remaining", "Reset"})

	for _, v := range report.Verdicts {
		reset := v.Reset
		if reset == "" {
			reset = "-"
		}
		t.AppendRow(table.Row{
			v.Dimension,
			v.Key,
			allowedLabel(v.Allowed),
			v.Limit,
			v.Remaining,
			reset,
		})
	}

	t.AppendFooter(table.Row{
		"",
		"",
		fmt.Sprintf("%s (%d)", allowedLabel(report.Allowed), report.StatusCode),
		"",
		"",
		"",
	})

	return t.Render(), nil
}

// FormatStates renders stored state entries as a table.
func (f *TableFormatter) FormatStates(entries []StateView) (string, error) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Kind", "Key", "Usage", "As Of"})

	for _, entry := range entries {
		asOf := entry.AsOf
		if asOf == "" {
			asOf = "-"
		}
		t.AppendRow(table.Row{entry.Kind, entry.Key, entry.Usage, asOf})
	}

	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d entries", len(entries)), ""})

	return t.Render(), nil
}
