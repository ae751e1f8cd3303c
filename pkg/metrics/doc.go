// Package metrics defines the Prometheus metrics of Genesis Core: orchestrator
// reconciliation cycles and target transitions, scheduler decisions, agent
// driver operations, IAM authorization outcomes, outbox deliveries and API
// request counters. Metrics register at package init on the default registry
// and are exposed through Handler on the configured metrics listener.
package metrics
