// Package observability provides the runtime's metrics and logging
// setup.
//
// # Metrics
//
// Metrics use the Prometheus client library and register with the
// default registry, so the gateway exposes them through the stock
// promhttp handler on /metrics. Tracked series cover turn throughput
// and latency, token consumption, tool executions, error rates, and
// session/event flow through the transport. Useful starting queries:
//
//	# Turn throughput
//	rate(famulus_turns_total[5m])
//
//	# Turn latency (95th percentile)
//	histogram_quantile(0.95, rate(famulus_turn_duration_seconds_bucket[5m]))
//
//	# Dropped outbound events, a sign of slow or absent clients
//	rate(famulus_dropped_events_total[5m])
//
// # Logging
//
// Logging is plain log/slog. NewLogger builds the process logger from
// level/format configuration and installs a ReplaceAttr hook that
// redacts secret-looking strings (API keys, bearer tokens) from
// messages, attributes, and error values. Components receive the
// logger at construction and scope it with With("component", ...).
package observability
