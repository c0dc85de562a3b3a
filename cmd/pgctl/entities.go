package main

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/decision"
	"github.com/fyrsmithlabs/phasegate/internal/engine"
	"github.com/fyrsmithlabs/phasegate/internal/execution"
	"github.com/fyrsmithlabs/phasegate/internal/symbol"
)

var (
	registerPhase string
	execStatus    string
	historyLimit  int
)

func init() {
	rootCmd.AddCommand(entitiesCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(decisionCmd)
	rootCmd.AddCommand(proposalCmd)
	rootCmd.AddCommand(indicatorsCmd)
	rootCmd.AddCommand(executionsCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyDecisionsCmd)
	historyCmd.AddCommand(historyExecutionsCmd)

	registerCmd.Flags().StringVar(&registerPhase, "phase", "", "Initial phase (defaults to the daemon's initial phase)")
	executionsCmd.Flags().StringVar(&execStatus, "status", "", "Filter by status (pending, running, completed, failed, cancelled, deferred)")
	historyCmd.PersistentFlags().IntVar(&historyLimit, "limit", 20, "Maximum number of records to return")
	historyExecutionsCmd.Flags().StringVar(&execStatus, "status", "", "Filter by status")
}

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "List tracked entities",
	Args:  cobra.NoArgs,
	RunE:  runEntities,
}

var registerCmd = &cobra.Command{
	Use:   "register <entity>",
	Short: "Register an entity before its first sample",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegister,
}

var decisionCmd = &cobra.Command{
	Use:   "decision <entity>",
	Short: "Show the latest gate decision for an entity",
	Long: `Show the latest gate decision for an entity, including the
readiness score, the rule that dominated and the reasoning trail.

Examples:
  pgctl decision venture-1
  pgctl decision venture-1 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runDecision,
}

var proposalCmd = &cobra.Command{
	Use:   "proposal <entity>",
	Short: "Show the last execution proposal for an entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runProposal,
}

var indicatorsCmd = &cobra.Command{
	Use:   "indicators <entity>",
	Short: "Show the symbolized indicator windows for an entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndicators,
}

var executionsCmd = &cobra.Command{
	Use:   "executions <entity>",
	Short: "List live executions for an entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecutions,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query archived decisions and executions",
}

var historyDecisionsCmd = &cobra.Command{
	Use:   "decisions <entity>",
	Short: "List archived decisions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryDecisions,
}

var historyExecutionsCmd = &cobra.Command{
	Use:   "executions <entity>",
	Short: "List archived executions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryExecutions,
}

func entityPath(id string, parts ...string) string {
	p := "/api/v1/entities/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func runEntities(cmd *cobra.Command, _ []string) error {
	var ents []engine.EntitySummary
	if err := newClient().get(cmd.Context(), "/api/v1/entities", &ents); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), ents)
	}
	if len(ents) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No entities found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPHASE\tLAST TICK\tACTION\tRUNNING\tPENDING")
	for _, e := range ents {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\n",
			e.ID, e.Phase, e.LastTick, orDash(string(e.Action)),
			e.Executions[execution.StatusRunning], e.Executions[execution.StatusPending])
	}
	return w.Flush()
}

func runRegister(cmd *cobra.Command, args []string) error {
	body := map[string]string{"id": args[0]}
	if registerPhase != "" {
		body["phase"] = registerPhase
	}
	if err := newClient().post(cmd.Context(), "/api/v1/entities", body, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered %s\n", args[0])
	return nil
}

func runDecision(cmd *cobra.Command, args []string) error {
	var d decision.GateDecision
	if err := newClient().get(cmd.Context(), entityPath(args[0], "decision"), &d); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("no decision for %s yet: %w", args[0], err)
		}
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), d)
	}
	printDecision(cmd.OutOrStdout(), d)
	return nil
}

func printDecision(out io.Writer, d decision.GateDecision) {
	fmt.Fprintf(out, "Entity:      %s\n", d.EntityID)
	fmt.Fprintf(out, "Tick:        %d\n", d.Tick)
	fmt.Fprintf(out, "Phase:       %s\n", d.Phase)
	fmt.Fprintf(out, "Readiness:   %.2f\n", d.ReadinessScore)
	fmt.Fprintf(out, "Confidence:  %.2f\n", d.Confidence)
	fmt.Fprintf(out, "Recommended: %s\n", d.RecommendedAction)
	if d.Override != "" {
		fmt.Fprintf(out, "Override:    %s\n", d.Override)
	}
	fmt.Fprintf(out, "Effective:   %s\n", d.EffectiveAction)
	if d.DominantRule != "" {
		fmt.Fprintf(out, "Rule:        %s\n", d.DominantRule)
	}
	if d.ReviewRequested {
		fmt.Fprintln(out, "Review:      requested")
	}
	fmt.Fprintf(out, "Decided:     %s\n", d.DecidedAt.Format(time.RFC3339))
	if len(d.Reasoning) > 0 {
		fmt.Fprintln(out, "\nReasoning:")
		for _, r := range d.Reasoning {
			fmt.Fprintf(out, "  - %s\n", r)
		}
	}
}

func runProposal(cmd *cobra.Command, args []string) error {
	var p execution.Proposal
	if err := newClient().get(cmd.Context(), entityPath(args[0], "proposal"), &p); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), p)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created: %d\n", len(p.Created))
	for _, e := range p.Created {
		fmt.Fprintf(out, "  %s  %s  priority=%d\n", e.ID, e.PKGID, e.Priority)
	}
	if len(p.Alternatives) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "\nPACKAGE\tPROPOSED\tREASON")
		for _, a := range p.Alternatives {
			fmt.Fprintf(w, "%s\t%t\t%s\n", a.PKGID, a.Proposed, a.Reason)
		}
		return w.Flush()
	}
	return nil
}

func runIndicators(cmd *cobra.Command, args []string) error {
	var inds map[string]symbol.Indicator
	if err := newClient().get(cmd.Context(), entityPath(args[0], "indicators"), &inds); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), inds)
	}
	if len(inds) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No indicators yet.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tTIMEFRAME\tTREND\tWINDOW")
	for _, name := range sortedKeys(inds) {
		ind := inds[name]
		syms := make([]string, 0, len(ind.Window))
		for _, p := range ind.Window {
			syms = append(syms, p.Symbol.Glyph())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ind.Metric, ind.Timeframe, ind.Trend, strings.Join(syms, " "))
	}
	return w.Flush()
}

func runExecutions(cmd *cobra.Command, args []string) error {
	path := entityPath(args[0], "executions")
	if execStatus != "" {
		path += "?status=" + url.QueryEscape(execStatus)
	}
	var execs []execution.Execution
	if err := newClient().get(cmd.Context(), path, &execs); err != nil {
		return err
	}
	return printExecutions(cmd.OutOrStdout(), execs)
}

func printExecutions(out io.Writer, execs []execution.Execution) error {
	if outputJSON {
		return printJSON(out, execs)
	}
	if len(execs) == 0 {
		fmt.Fprintln(out, "No executions found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPACKAGE\tSTATUS\tPRIORITY\tPROGRESS\tUPDATED\tREASON")
	for _, e := range execs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.0f%%\t%s\t%s\n",
			e.ID, e.PKGID, e.Status, e.Priority, e.Progress,
			e.UpdatedAt.Format("2006-01-02 15:04"), orDash(e.Reason))
	}
	return w.Flush()
}

func runHistoryDecisions(cmd *cobra.Command, args []string) error {
	path := entityPath(args[0], "history", "decisions") + "?limit=" + strconv.Itoa(historyLimit)
	var ds []decision.GateDecision
	if err := newClient().get(cmd.Context(), path, &ds); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), ds)
	}
	if len(ds) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No archived decisions.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TICK\tPHASE\tREADINESS\tRECOMMENDED\tEFFECTIVE\tDECIDED")
	for _, d := range ds {
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%s\t%s\t%s\n",
			d.Tick, d.Phase, d.ReadinessScore, d.RecommendedAction, d.EffectiveAction,
			d.DecidedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runHistoryExecutions(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(historyLimit))
	if execStatus != "" {
		q.Set("status", execStatus)
	}
	var execs []execution.Execution
	if err := newClient().get(cmd.Context(), entityPath(args[0], "history", "executions")+"?"+q.Encode(), &execs); err != nil {
		return err
	}
	return printExecutions(cmd.OutOrStdout(), execs)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
