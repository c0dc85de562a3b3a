// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// The package wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout and OpenTelemetry outputs
//   - context field injection (trace_id, entity.id, tick, request.id)
//   - per-level sampling; errors are never sampled
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithEntity(ctx, "venture-42")
//	ctx = logging.WithTick(ctx, 1187)
//	logger.Info(ctx, "gate decided", zap.String("action", "proceed"))
//
// Output:
//
//	{"ts":"2026-10-01T12:00:00Z","level":"info","msg":"gate decided",
//	 "service":"phasegate","entity.id":"venture-42","tick":1187,"action":"proceed"}
//
// # Testing
//
// NewTestLogger records every entry in memory:
//
//	tl := logging.NewTestLogger()
//	engine := engine.New(cfg, store, engine.WithLogger(tl.Logger))
//	tl.AssertLogged(t, zapcore.WarnLevel, "pipeline panic")
package logging
