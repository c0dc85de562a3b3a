// Package main implements pgctl, the operator CLI for phasegated.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL of the phasegated HTTP API
	serverURL string
	// outputJSON prints raw JSON instead of tables
	outputJSON bool
	// requestTimeout bounds every HTTP call
	requestTimeout time.Duration
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pgctl",
	Short: "CLI for phasegated operations",
	Long: `pgctl is a command-line interface for the phasegated daemon.
It ingests metrics, inspects gate decisions and executions, records operator
overrides, validates catalogs and follows the decision stream on NATS.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("PHASEGATE_SERVER", "http://localhost:8480"), "phasegated server URL")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 10*time.Second, "HTTP request timeout")
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check phasegated health",
	Long: `Check the health of the phasegated daemon.

Examples:
  # Check health
  pgctl health

  # Check health on a different server
  pgctl health --server http://gate.internal:8480`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

// HealthResponse matches internal/http HealthResponse.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version,omitempty"`
	Tick      uint64            `json:"tick"`
	Entities  int               `json:"entities"`
	Services  map[string]string `json:"services"`
	Telemetry *struct {
		Healthy  bool `json:"healthy"`
		Degraded bool `json:"degraded"`
	} `json:"telemetry,omitempty"`
}

func runHealth(cmd *cobra.Command, _ []string) error {
	var resp HealthResponse
	if err := newClient().get(cmd.Context(), "/health", &resp); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), resp)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
	fmt.Fprintf(out, "Server URL:    %s\n", serverURL)
	if resp.Version != "" {
		fmt.Fprintf(out, "Version:       %s\n", resp.Version)
	}
	fmt.Fprintf(out, "Tick:          %d\n", resp.Tick)
	fmt.Fprintf(out, "Entities:      %d\n", resp.Entities)
	for _, name := range sortedKeys(resp.Services) {
		fmt.Fprintf(out, "  %-10s %s\n", name, resp.Services[name])
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
