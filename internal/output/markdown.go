package output

import (
	"fmt"
	"sort"
	"strings"
)

// MarkdownFormatter renders results as a markdown table.
type MarkdownFormatter struct{}

// FormatDecision renders a decision report as Markdown.
func (f *MarkdownFormatter) FormatDecision(report *DecisionReport) (string, error) {
	if report == nil {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Admission decision: %s\n\n", allowedLabel(report.Allowed)))
	sb.WriteString(fmt.Sprintf("**Status**: %d — %s\n\n", report.StatusCode, escapeMarkdownCell(report.Message)))
	sb.WriteString("| Dimension | Key | Outcome | Limit | Remaining | Reset |\n")
	sb.WriteString("|-----------|-----|---------|-------|-----------|-------|\n")

	for _, v := range report.Verdicts {
		reset := v.Reset
		if reset == "" {
			reset = "-"
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %d | %d | %s |\n",
			escapeMarkdownCell(v.Dimension),
			escapeMarkdownCell(v.Key),
			allowedLabel(v.Allowed),
			v.Limit,
			v.Remaining,
			escapeMarkdownCell(reset),
		))
	}

	if len(report.Headers) > 0 {
		sb.WriteString("\n")
		for _, name := range sortedHeaderNames(report.Headers) {
			sb.WriteString(fmt.Sprintf("- `%s: %s`\n", name, report.Headers[name]))
		}
	}

	return sb.String(), nil
}

// FormatStates renders stored state entries as Markdown.
func (f *MarkdownFormatter) FormatStates(entries []StateView) (string, error) {
	var sb strings.Builder
	sb.WriteString("## Stored limiter state\n\n")
	sb.WriteString("| Kind | Key | Usage | As Of |\n")
	sb.WriteString("|------|-----|-------|-------|\n")

	for _, entry := range entries {
		asOf := entry.AsOf
		if asOf == "" {
			asOf = "-"
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s |\n",
			escapeMarkdownCell(entry.Kind),
			escapeMarkdownCell(entry.Key),
			escapeMarkdownCell(entry.Usage),
			escapeMarkdownCell(asOf),
		))
	}

	sb.WriteString(fmt.Sprintf("\n**Total**: %d entries\n", len(entries)))
	return sb.String(), nil
}

func sortedHeaderNames(headers map[string]string) []string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func escapeMarkdownCell(value string) string {
	return strings.ReplaceAll(value, "|", "\\|")
}
