// Package telemetry provides the observability plumbing for stratactl:
// structured logging (zerolog), run and kind metrics (Prometheus), and
// optional tracing (OpenTelemetry with a stdout exporter).
//
// Initialize at startup:
//
//	cfg := telemetry.DefaultConfig()
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	metrics, err := telemetry.NewMetrics(cfg.Metrics)
//	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
//
// All Metrics record methods are safe on a nil or disabled instance, so
// callers never guard metric calls.
package telemetry
