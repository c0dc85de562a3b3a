package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/engine"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
)

var (
	ingestFile       string
	ingestSampleSize int
	ingestTimestamp  string
	finishNote       string
)

func init() {
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(overrideCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(failCmd)

	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "", "Read samples from a JSON array or NDJSON file (- for stdin)")
	ingestCmd.Flags().IntVar(&ingestSampleSize, "sample-size", 0, "Observations behind the value")
	ingestCmd.Flags().StringVar(&ingestTimestamp, "timestamp", "", "Sample time in RFC3339 (default: now)")
	completeCmd.Flags().StringVar(&finishNote, "note", "", "Completion note")
	failCmd.Flags().StringVar(&finishNote, "reason", "", "Failure reason")
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [<entity> <metric> <value>]",
	Short: "Send metric samples to phasegated",
	Long: `Send one metric sample from the arguments, or a batch from a file.

Examples:
  # Single sample
  pgctl ingest venture-1 traffic 1520 --sample-size 1520

  # Batch from NDJSON
  pgctl ingest -f samples.ndjson

  # Batch from stdin
  cat samples.json | pgctl ingest -f -`,
	Args: func(cmd *cobra.Command, args []string) error {
		if ingestFile != "" {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(3)(cmd, args)
	},
	RunE: runIngest,
}

var overrideCmd = &cobra.Command{
	Use:   "override <entity> <approve|hold|reject|none>",
	Short: "Record an operator override for an entity",
	Long: `Record an operator override. It applies from the next decision and
stays in force until replaced; "none" clears it.`,
	Args: cobra.ExactArgs(2),
	RunE: runOverride,
}

var progressCmd = &cobra.Command{
	Use:   "progress <entity> <execution> <percent>",
	Short: "Report progress of a running execution (0-100)",
	Args:  cobra.ExactArgs(3),
	RunE:  runProgress,
}

var completeCmd = &cobra.Command{
	Use:   "complete <entity> <execution>",
	Short: "Mark a running execution completed",
	Args:  cobra.ExactArgs(2),
	RunE:  runFinish("complete"),
}

var failCmd = &cobra.Command{
	Use:   "fail <entity> <execution>",
	Short: "Mark a running execution failed",
	Args:  cobra.ExactArgs(2),
	RunE:  runFinish("fail"),
}

// ingestResponse matches internal/http IngestResponse.
type ingestResponse struct {
	Accepted int `json:"accepted"`
	Rejected []struct {
		Index int    `json:"index"`
		Error string `json:"error"`
	} `json:"rejected,omitempty"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	var samples []engine.MetricSample
	if ingestFile != "" {
		var err error
		samples, err = readSamples(cmd.InOrStdin(), ingestFile)
		if err != nil {
			return err
		}
	} else {
		s, err := sampleFromArgs(args)
		if err != nil {
			return err
		}
		samples = []engine.MetricSample{s}
	}
	if len(samples) == 0 {
		return fmt.Errorf("no samples to send")
	}

	var resp ingestResponse
	err := newClient().post(cmd.Context(), "/api/v1/samples", map[string]any{"samples": samples}, &resp)
	if outputJSON && err == nil {
		return printJSON(cmd.OutOrStdout(), resp)
	}

	out := cmd.OutOrStdout()
	for _, r := range resp.Rejected {
		fmt.Fprintf(out, "rejected #%d: %s\n", r.Index, r.Error)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Accepted %d of %d samples\n", resp.Accepted, len(samples))
	return nil
}

func sampleFromArgs(args []string) (engine.MetricSample, error) {
	value, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return engine.MetricSample{}, fmt.Errorf("invalid value %q: %w", args[2], err)
	}
	ts := time.Now().UTC()
	if ingestTimestamp != "" {
		ts, err = time.Parse(time.RFC3339, ingestTimestamp)
		if err != nil {
			return engine.MetricSample{}, fmt.Errorf("invalid --timestamp: %w", err)
		}
	}
	return engine.MetricSample{
		EntityID:   args[0],
		Metric:     args[1],
		Timestamp:  ts,
		RawValue:   value,
		SampleSize: ingestSampleSize,
	}, nil
}

// readSamples accepts either a JSON array of samples or one sample per line.
func readSamples(stdin io.Reader, path string) ([]engine.MetricSample, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open samples: %w", err)
		}
		defer f.Close()
		r = f
	}

	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}

	var samples []engine.MetricSample
	if first == '[' {
		if err := json.NewDecoder(br).Decode(&samples); err != nil {
			return nil, fmt.Errorf("failed to parse samples: %w", err)
		}
		return samples, nil
	}

	sc := bufio.NewScanner(br)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var s engine.MetricSample
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		samples = append(samples, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	return samples, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

func runOverride(cmd *cobra.Command, args []string) error {
	o, err := gate.ParseOverride(args[1])
	if err != nil {
		return err
	}
	body := map[string]string{"override": string(o)}
	if err := newClient().post(cmd.Context(), entityPath(args[0], "override"), body, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Override for %s set to %s\n", args[0], o)
	return nil
}

func runProgress(cmd *cobra.Command, args []string) error {
	p, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Errorf("invalid progress %q: %w", args[2], err)
	}
	body := map[string]float64{"progress": p}
	if err := newClient().post(cmd.Context(), entityPath(args[0], "executions", args[1], "progress"), body, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Execution %s at %.0f%%\n", args[1], p)
	return nil
}

func runFinish(verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		body := map[string]string{}
		if finishNote != "" {
			body["note"] = finishNote
		}
		if err := newClient().post(cmd.Context(), entityPath(args[0], "executions", args[1], verb), body, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Execution %s marked %s\n", args[1], pastTense(verb))
		return nil
	}
}

func pastTense(verb string) string {
	if verb == "fail" {
		return "failed"
	}
	return verb + "d"
}
