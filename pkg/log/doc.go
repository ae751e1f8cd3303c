// Package log provides structured logging for Genesis Core built on
// zerolog.
//
// A single global Logger is configured once at process start via Init and
// shared by every component. Components derive child loggers through the
// With* helpers so that log lines stay correlated:
//
//	logger := log.WithComponent("orchestrator")
//	logger.Info().Str("kind", kind).Msg("claimed batch")
//
// Field conventions:
//
//   - component:     subsystem name (orchestrator, agent, api, events, iam)
//   - agent_uuid:    universal agent identity
//   - kind:          resource kind under reconciliation
//   - resource_uuid: target/actual resource identity
//
// Output is JSON by default for machine consumption; console output with
// colors is available for interactive use via Config.JSONOutput=false.
package log
