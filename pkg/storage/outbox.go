package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/infraguys/genesis-core/pkg/types"
)

// EnqueueEvent appends an outbox row. Callers run it inside the transaction
// that performs the producing mutation, so the event exists iff the mutation
// committed.
func EnqueueEvent(tx *gorm.DB, event *types.OutboxEvent) error {
	return translate(tx.Create(event).Error, "event")
}

// PendingEvents returns deliverable outbox rows in enqueue order.
func PendingEvents(tx *gorm.DB, now time.Time, limit int) ([]types.OutboxEvent, error) {
	var out []types.OutboxEvent
	err := tx.Where("status = ? AND next_attempt_at <= ?", types.EventPending, now).
		Order("created_at, uuid").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkEventDelivered finalizes a successfully dispatched event.
func MarkEventDelivered(tx *gorm.DB, id uuid.UUID) error {
	return tx.Model(&types.OutboxEvent{}).Where("uuid = ?", id).
		Updates(map[string]any{"status": types.EventDelivered, "last_error": ""}).Error
}

// RescheduleEvent records a failed attempt and the time of the next one.
func RescheduleEvent(tx *gorm.DB, id uuid.UUID, attempts int, nextAttempt time.Time, lastError string) error {
	return tx.Model(&types.OutboxEvent{}).Where("uuid = ?", id).
		Updates(map[string]any{
			"attempts":        attempts,
			"next_attempt_at": nextAttempt,
			"last_error":      lastError,
		}).Error
}

// MarkEventDead moves an event that exhausted its attempts to the dead
// letter state. It stays in the table for inspection.
func MarkEventDead(tx *gorm.DB, id uuid.UUID, lastError string) error {
	return tx.Model(&types.OutboxEvent{}).Where("uuid = ?", id).
		Updates(map[string]any{"status": types.EventDead, "last_error": lastError}).Error
}
