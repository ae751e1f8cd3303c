package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/infraguys/genesis-core/pkg/metrics"
	"github.com/infraguys/genesis-core/pkg/storage"
	"github.com/infraguys/genesis-core/pkg/types"
)

// Kind identifies an event family. Handlers subscribe per kind.
type Kind string

const (
	KindUserRegistration  Kind = "IamUserRegistration"
	KindUserResetPassword Kind = "IamUserResetPassword"
	KindNodeCreated       Kind = "NodeCreated"
	KindServiceCreated    Kind = "ServiceCreated"
	KindCertificateIssued Kind = "CertificateIssued"
)

// UserRegistration is emitted when a user registers. Subscribers typically
// send the confirmation link.
type UserRegistration struct {
	Version          int       `json:"version"`
	UserUUID         uuid.UUID `json:"user_uuid"`
	Email            string    `json:"email"`
	SiteEndpoint     string    `json:"site_endpoint"`
	ConfirmationCode string    `json:"confirmation_code"`
}

// UserResetPassword is emitted when a password reset is requested.
type UserResetPassword struct {
	Version      int       `json:"version"`
	UserUUID     uuid.UUID `json:"user_uuid"`
	Email        string    `json:"email"`
	SiteEndpoint string    `json:"site_endpoint"`
	ResetCode    string    `json:"reset_code"`
}

// ResourceEvent is the shared payload of resource lifecycle events.
type ResourceEvent struct {
	Version      int        `json:"version"`
	ResourceUUID uuid.UUID  `json:"resource_uuid"`
	ProjectID    uuid.UUID  `json:"project_id"`
	Kind         types.Kind `json:"kind"`
}

// Publish appends an event to the outbox. It must run inside the same
// transaction as the mutation that produces the event, so the event exists
// iff the mutation committed.
func Publish(tx *gorm.DB, kind Kind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	event := &types.OutboxEvent{
		UUID:          uuid.New(),
		Kind:          string(kind),
		Payload:       string(raw),
		Status:        types.EventPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := storage.EnqueueEvent(tx, event); err != nil {
		return err
	}
	metrics.EventsPublished.WithLabelValues(string(kind)).Inc()
	return nil
}
