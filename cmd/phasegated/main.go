// Phasegated is the phase-gate daemon.
//
// It loads a catalog of rules and execution packages, ingests business
// metrics over HTTP, evaluates every tracked venture once per tick, and
// publishes gate decisions and execution state changes to NATS.
//
// Usage:
//
//	# Start with a config file
//	phasegated -config /etc/phasegate/config.yaml
//
//	# Configure via environment
//	PHASEGATE_CATALOG_PATH=catalog.yaml PHASEGATE_NATS_URL=nats://localhost:4222 phasegated
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("PHASEGATE_CONFIG"), "path to YAML config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  phasegated [-config file]   Start the phase-gate daemon\n")
			fmt.Fprintf(os.Stderr, "  phasegated version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("phasegated: %v", err)
	}
}

func printVersion() {
	fmt.Printf("phasegated by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}
