// Package events is the domain event bus built on a transactional outbox.
//
// Producers call Publish inside the transaction that performs the mutation,
// so an event is committed iff its mutation is. The Dispatcher drains the
// outbox table on a poll period and hands each row to every subscriber of
// its kind with at-least-once semantics: handler failures reschedule the row
// with exponential backoff, and after the configured attempt budget the row
// moves to a dead-letter state for operator inspection. Undelivered rows
// survive process restarts.
package events
