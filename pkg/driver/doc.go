// Package driver defines the capability driver contract: the uniform
// interface of node-local executors that realize targets of one resource
// kind as actuals. Operations are idempotent on uuid so an interrupted
// iteration can be resumed by the next one, and failures use the shared
// error taxonomy: only Transient is retried by the agent, Permanent moves
// the target to ERROR with a durable reason.
//
// The kind set is closed at compile time; the registry subpackage maps
// driver names to constructors.
package driver
