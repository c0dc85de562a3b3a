package monitor

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/phasegate/internal/execution"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
)

// FormatReadiness formats a readiness score (0-1) with two decimals.
func FormatReadiness(score float64) string {
	return fmt.Sprintf("%.2f", score)
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatAction returns the action name, or "-" when unset.
func FormatAction(a gate.Action) string {
	if a == "" {
		return "-"
	}
	return string(a)
}

// executionOrder is the order live execution counts are listed in.
var executionOrder = []struct {
	status execution.Status
	abbr   string
}{
	{execution.StatusRunning, "run"},
	{execution.StatusPending, "pend"},
	{execution.StatusDeferred, "defer"},
	{execution.StatusFailed, "fail"},
}

// FormatExecutions renders non-zero execution counts as "run=2 pend=1".
func FormatExecutions(counts map[execution.Status]int) string {
	parts := make([]string, 0, len(executionOrder))
	for _, o := range executionOrder {
		if n := counts[o.status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", o.abbr, n))
		}
	}
	if len(parts) == 0 {
		return "idle"
	}
	return strings.Join(parts, " ")
}
