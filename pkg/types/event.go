package types

import (
	"time"

	"github.com/google/uuid"
)

// EventStatus is the delivery state of an outbox row.
type EventStatus string

const (
	EventPending   EventStatus = "PENDING"
	EventDelivered EventStatus = "DELIVERED"
	// EventDead marks an event that exhausted its delivery attempts.
	EventDead EventStatus = "DEAD"
)

// OutboxEvent is a durable event row. Producers append it inside the same
// transaction that mutates the resource; the dispatcher drains pending rows
// and hands them to subscribers at least once.
type OutboxEvent struct {
	UUID          uuid.UUID   `json:"uuid" gorm:"type:text;primaryKey"`
	Kind          string      `json:"kind" gorm:"size:64;index:idx_outbox_kind_status"`
	Payload       string      `json:"payload"`
	Status        EventStatus `json:"status" gorm:"size:16;index:idx_outbox_kind_status"`
	Attempts      int         `json:"attempts"`
	NextAttemptAt time.Time   `json:"next_attempt_at" gorm:"index"`
	LastError     string      `json:"last_error,omitempty" gorm:"size:255"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// TableName overrides the gorm default pluralization.
func (OutboxEvent) TableName() string { return "events_outbox" }
