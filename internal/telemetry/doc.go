// Package telemetry wires OpenTelemetry tracing and metrics for phasegated.
//
// Spans and metrics are exported over OTLP (gRPC or HTTP) to a collector.
// Prometheus scraping of engine metrics is handled separately by the
// metrics package; this package covers the OTEL side.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng, err := engine.New(engineCfg, store,
//	    engine.WithTracerProvider(tel.TracerProvider()))
//
// A misconfigured or unreachable exporter degrades the instance to no-op
// providers rather than failing startup. Health reports the degraded state.
//
// Tests use NewTestTelemetry, which records spans in memory and exposes a
// manual metric reader.
package telemetry
