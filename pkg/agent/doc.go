// Package agent implements the universal agent loop. Each iteration the
// agent refreshes its heartbeat, fetches the targets assigned to it per
// kind, converges local state through the capability drivers and reports
// the complete actual set back to the status endpoint.
//
// Convergence is idempotent: a target whose spec hash already matches the
// local actual produces no driver call. Transient driver failures back off
// per resource with capped exponential delay; permanent failures surface
// as ERROR actuals so the control plane can park the target.
package agent
