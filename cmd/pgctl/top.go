package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/monitor"
)

var topInterval time.Duration

func init() {
	rootCmd.AddCommand(topCmd)
	topCmd.Flags().DurationVarP(&topInterval, "interval", "i", 2*time.Second, "Refresh interval")
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live dashboard of gate decisions",
	Long: `Show a live terminal dashboard with every entity's effective action,
readiness score and its recent history, and live execution counts.

Keys: q quit, r refresh, up/down select an entity.`,
	Args: cobra.NoArgs,
	RunE: runTop,
}

func runTop(cmd *cobra.Command, _ []string) error {
	if topInterval < 100*time.Millisecond {
		return fmt.Errorf("interval must be at least 100ms")
	}
	client := monitor.NewAPIClient(serverURL, requestTimeout)
	model := monitor.NewModel(client, client.BaseURL(), topInterval)

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
