// Package orchestrator is the control-plane reconciler. Worker loops, one
// per kind family, repeatedly run a cycle of five passes: fan relational
// entities out into target rows, claim unassigned work under lease, place
// claimed targets on agents through the scheduler, converge lifecycle
// status against the actual plane and finalize deletes bottom-up. Orphaned
// actuals, whose target vanished without the DELETING handshake, get a
// teardown marker bound to the agent that reported them.
//
// Every pass runs in one transaction and is convergent: rerunning a cycle
// over an already reconciled database changes nothing.
package orchestrator
