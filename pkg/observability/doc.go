// Package observability wires logging, Prometheus metrics, health probes and
// graceful shutdown for the vcboard server.
//
// Logging uses logrus; components receive a logrus.FieldLogger:
//
//	logger, err := observability.NewLogger("info", "json", os.Stdout)
//	logger.WithField("forum_id", 3).Info("cache invalidated")
//
// Metrics live on a private registry served by RegisterMetricsEndpoint, and
// HTTPMetricsMiddleware labels requests by their mux route template.
//
// InitTracing exports OpenTelemetry traces and metrics over OTLP gRPC when
// enabled; otherwise the global no-op providers stay in place.
package observability
