package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/decision"
	"github.com/fyrsmithlabs/phasegate/internal/execution"
	"github.com/fyrsmithlabs/phasegate/internal/stream"
)

var (
	watchNATSURL string
	watchPrefix  string
	watchToken   string
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchNATSURL, "nats", envOr("PHASEGATE_NATS_URL", nats.DefaultURL), "NATS server URL")
	watchCmd.Flags().StringVar(&watchPrefix, "prefix", envOr("PHASEGATE_NATS_SUBJECT_PREFIX", "phasegate"), "Subject prefix used by phasegated")
	watchCmd.Flags().StringVar(&watchToken, "token", envOr("PHASEGATE_NATS_TOKEN", ""), "NATS auth token")
}

var watchCmd = &cobra.Command{
	Use:   "watch [entity]",
	Short: "Follow decisions, state changes and escalations on NATS",
	Long: `Subscribe to the phasegated event streams and print each event as it
arrives. Without an entity every entity is followed. Stop with Ctrl-C.

Examples:
  pgctl watch
  pgctl watch venture-1 --json
  pgctl watch --nats nats://nats.internal:4222`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	var entityID string
	if len(args) == 1 {
		entityID = args[0]
	}

	opts := []nats.Option{nats.Name("pgctl"), nats.Timeout(requestTimeout)}
	if watchToken != "" {
		opts = append(opts, nats.Token(watchToken))
	}
	nc, err := nats.Connect(watchNATSURL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", watchNATSURL, err)
	}
	defer nc.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	err = stream.Watch(ctx, nc, stream.Pattern(watchPrefix, entityID), func(ev stream.Event) {
		printEvent(out, ev)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// printEvent renders one event as a single line, or as JSON with --json.
func printEvent(out io.Writer, ev stream.Event) {
	if outputJSON {
		_ = json.NewEncoder(out).Encode(ev)
		return
	}

	now := time.Now().Format("15:04:05")
	switch ev.Kind {
	case stream.KindDecision:
		var d decision.GateDecision
		if json.Unmarshal(ev.Data, &d) == nil {
			fmt.Fprintf(out, "%s %-10s %s tick=%d phase=%s readiness=%.2f recommended=%s effective=%s\n",
				now, ev.Kind, d.EntityID, d.Tick, d.Phase, d.ReadinessScore, d.RecommendedAction, d.EffectiveAction)
			return
		}
	case stream.KindStateChange:
		var c execution.StateChange
		if json.Unmarshal(ev.Data, &c) == nil {
			fmt.Fprintf(out, "%s %-10s %s %s %s -> %s %s\n",
				now, "execution", c.Execution.EntityID, c.Execution.ID, orDash(string(c.From)), c.To, c.Reason)
			return
		}
	case stream.KindEscalation:
		var e execution.Escalation
		if json.Unmarshal(ev.Data, &e) == nil {
			fmt.Fprintf(out, "%s %-10s %s %s %s: %s\n",
				now, "escalation", e.Execution.EntityID, e.Execution.ID, e.Kind, e.Reason)
			return
		}
	}
	fmt.Fprintf(out, "%s %-10s %s %s\n", now, orDash(ev.Kind), ev.Subject, string(ev.Data))
}
