// Package output renders admission decisions and stored limiter state for
// the CLI in table, JSON, or markdown form.
package output

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gatewarden/gatewarden/internal/core/engine"
	"github.com/gatewarden/gatewarden/internal/core/store"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Formatter renders decision reports and stored state listings.
type Formatter interface {
	FormatDecision(report *DecisionReport) (string, error)
	FormatStates(entries []StateView) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown):
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

// DecisionReport is the CLI-facing view of one admission decision.
type DecisionReport struct {
	Descriptor engine.Descriptor `json:"descriptor"`
	Allowed    bool              `json:"allowed"`
	StatusCode int               `json:"status_code"`
	Message    string            `json:"message"`
	Reason     string            `json:"reason"`
	Headers    map[string]string `json:"headers,omitempty"`
	Verdicts   []VerdictView     `json:"verdicts,omitempty"`
}

// VerdictView is one dimension's usage after the check.
type VerdictView struct {
	Dimension string `json:"dimension"`
	Key       string `json:"key"`
	Allowed   bool   `json:"allowed"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Reset     string `json:"reset,omitempty"`
}

// NewDecisionReport flattens an engine decision for rendering.
func NewDecisionReport(desc engine.Descriptor, decision engine.Decision) *DecisionReport {
	report := &DecisionReport{
		Descriptor: desc,
		Allowed:    decision.Allowed,
		StatusCode: http.StatusOK,
		Message:    "OK",
		Reason:     decision.Reason(),
		Headers:    decision.Headers(),
	}
	if !decision.Allowed {
		report.StatusCode = http.StatusTooManyRequests
		report.Message = fmt.Sprintf("Rate limit exceeded (%s)", decision.Reason())
	}

	for _, v := range decision.Verdicts {
		view := VerdictView{
			Dimension: string(v.Dimension),
			Key:       v.Key,
			Allowed:   v.Result.Allowed,
			Limit:     v.Result.Limit,
			Remaining: v.Result.Remaining,
		}
		if v.Result.Reset > 0 {
			view.Reset = v.Result.Reset.Round(time.Second).String()
		}
		report.Verdicts = append(report.Verdicts, view)
	}

	return report
}

// StateView is the CLI-facing view of one stored limit state entry.
type StateView struct {
	Kind  string `json:"kind"`
	Key   string `json:"key"`
	Usage string `json:"usage"`
	AsOf  string `json:"as_of,omitempty"`
}

// NewStateViews flattens store entries for rendering.
func NewStateViews(entries []store.StateEntry) []StateView {
	views := make([]StateView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, StateView{
			Kind:  string(entry.Kind),
			Key:   entry.Key,
			Usage: describeState(entry),
			AsOf:  stateTimestamp(entry),
		})
	}
	return views
}

func describeState(entry store.StateEntry) string {
	switch entry.Kind {
	case store.StateBucket:
		return fmt.Sprintf("tokens=%.2f", entry.Tokens)
	case store.StateWindow:
		return fmt.Sprintf("events=%d", entry.Events)
	case store.StateCounter:
		return fmt.Sprintf("count=%d window=%d", entry.Count, entry.WindowIndex)
	default:
		return ""
	}
}

func stateTimestamp(entry store.StateEntry) string {
	switch entry.Kind {
	case store.StateBucket:
		if entry.LastRefill.IsZero() {
			return ""
		}
		return entry.LastRefill.UTC().Format(time.RFC3339)
	case store.StateWindow:
		if entry.Oldest.IsZero() {
			return ""
		}
		return entry.Oldest.UTC().Format(time.RFC3339)
	default:
		return ""
	}
}

func allowedLabel(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "blocked"
}
