package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/phasegate/internal/execution"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
)

func TestFormatReadiness(t *testing.T) {
	tests := []struct {
		name     string
		score    float64
		expected string
	}{
		{"zero", 0, "0.00"},
		{"one", 1, "1.00"},
		{"rounding", 0.666, "0.67"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatReadiness(tt.score))
		})
	}
}

func TestFormatPercentage(t *testing.T) {
	tests := []struct {
		name     string
		ratio    float64
		expected string
	}{
		{"half", 0.5, "50.0%"},
		{"zero", 0.0, "0.0%"},
		{"full", 1.0, "100.0%"},
		{"fraction", 0.8765, "87.7%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatPercentage(tt.ratio))
		})
	}
}

func TestFormatAction(t *testing.T) {
	assert.Equal(t, "proceed", FormatAction(gate.ActionProceed))
	assert.Equal(t, "-", FormatAction(""))
}

func TestFormatExecutions(t *testing.T) {
	tests := []struct {
		name     string
		counts   map[execution.Status]int
		expected string
	}{
		{"nil", nil, "idle"},
		{"terminal only", map[execution.Status]int{execution.StatusCompleted: 3}, "idle"},
		{
			"ordered",
			map[execution.Status]int{
				execution.StatusFailed:   1,
				execution.StatusPending:  2,
				execution.StatusRunning:  1,
				execution.StatusDeferred: 0,
			},
			"run=1 pend=2 fail=1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatExecutions(tt.counts))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "venture-…", truncate("venture-12345", 9))
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-0.5))
	assert.Equal(t, 0.3, clamp01(0.3))
	assert.Equal(t, 1.0, clamp01(1.7))
}
