package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/catalog"
)

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogValidateCmd)
	catalogCmd.AddCommand(catalogShowCmd)
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Validate and inspect rule catalogs",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a YAML or TOML catalog file locally",
	Long: `Parse and validate a catalog file without contacting the server.
Exits non-zero if the file would be rejected by phasegated.

Examples:
  pgctl catalog validate catalog.yaml
  pgctl catalog validate catalog.toml`,
	Args: cobra.ExactArgs(1),
	RunE: runCatalogValidate,
}

var catalogShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Summarize the catalog active on the server",
	Args:  cobra.NoArgs,
	RunE:  runCatalogShow,
}

func runCatalogValidate(cmd *cobra.Command, args []string) error {
	c, err := catalog.LoadFile(args[0])
	if err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: OK\n", args[0])
	if c.Version != "" {
		fmt.Fprintf(out, "  version:    %s\n", c.Version)
	}
	fmt.Fprintf(out, "  phases:     %s\n", strings.Join(c.Phases, " -> "))
	fmt.Fprintf(out, "  rules:      %d\n", len(c.Rules))
	fmt.Fprintf(out, "  packages:   %d\n", len(c.Packages))
	fmt.Fprintf(out, "  triggers:   %d\n", len(c.Triggers))
	fmt.Fprintf(out, "  indicators: %s\n", strings.Join(c.Indicators(), ", "))
	return nil
}

// catalogResponse matches internal/http CatalogResponse.
type catalogResponse struct {
	Version    string   `json:"version,omitempty"`
	Generation uint64   `json:"generation"`
	Phases     []string `json:"phases"`
	Rules      int      `json:"rules"`
	Packages   int      `json:"packages"`
	Triggers   int      `json:"triggers"`
	Indicators []string `json:"indicators"`
}

func runCatalogShow(cmd *cobra.Command, _ []string) error {
	var resp catalogResponse
	if err := newClient().get(cmd.Context(), "/api/v1/catalog", &resp); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), resp)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Generation: %d\n", resp.Generation)
	if resp.Version != "" {
		fmt.Fprintf(out, "Version:    %s\n", resp.Version)
	}
	fmt.Fprintf(out, "Phases:     %s\n", strings.Join(resp.Phases, " -> "))
	fmt.Fprintf(out, "Rules:      %d\n", resp.Rules)
	fmt.Fprintf(out, "Packages:   %d\n", resp.Packages)
	fmt.Fprintf(out, "Triggers:   %d\n", resp.Triggers)
	fmt.Fprintf(out, "Indicators: %s\n", strings.Join(resp.Indicators, ", "))
	return nil
}
