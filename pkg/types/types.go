package types

import (
	"time"

	"github.com/google/uuid"
)

// ServiceProjectID is the project that owns infrastructure-level resources
// (agents, bootstrap artifacts). It always exists and cannot be deleted.
var ServiceProjectID = uuid.MustParse("00000000-0000-0000-0000-000000000000")

// Status represents the lifecycle state of a resource
type Status string

const (
	StatusNew        Status = "NEW"
	StatusInProgress Status = "IN_PROGRESS"
	StatusActive     Status = "ACTIVE"
	StatusError      Status = "ERROR"
	StatusDeleting   Status = "DELETING"
)

// ValidStatus reports whether s belongs to the closed lifecycle set.
func ValidStatus(s Status) bool {
	switch s {
	case StatusNew, StatusInProgress, StatusActive, StatusError, StatusDeleting:
		return true
	}
	return false
}

// Kind identifies a reconcilable resource kind. The set is closed: new kinds
// are added here and in the driver registry, never at runtime.
type Kind string

const (
	KindComputeNode Kind = "em_core_compute_nodes"
	KindServiceNode Kind = "em_core_service_nodes"
	KindConfig      Kind = "em_core_configs"
	KindPassword    Kind = "password"
	KindCertificate Kind = "certificate"
)

// Kinds returns every registered resource kind.
func Kinds() []Kind {
	return []Kind{
		KindComputeNode,
		KindServiceNode,
		KindConfig,
		KindPassword,
		KindCertificate,
	}
}

// ValidKind reports whether k is a registered resource kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindComputeNode, KindServiceNode, KindConfig, KindPassword, KindCertificate:
		return true
	}
	return false
}

// Meta holds the envelope fields shared by every persistent entity.
type Meta struct {
	UUID              uuid.UUID `json:"uuid" gorm:"type:text;primaryKey" validate:"required"`
	Name              string    `json:"name" gorm:"size:255" validate:"required,max=255"`
	Description       string    `json:"description,omitempty" gorm:"size:255"`
	ProjectID         uuid.UUID `json:"project_id" gorm:"type:text;index"`
	Status            Status    `json:"status" gorm:"size:32;index"`
	StatusDescription string    `json:"status_description,omitempty" gorm:"size:255"`
	Version           int64     `json:"version"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// GetUUID returns the entity identifier; promoted through embedding so
// generic helpers can key any entity.
func (m *Meta) GetUUID() uuid.UUID { return m.UUID }

// GetProjectID returns the owning project.
func (m *Meta) GetProjectID() uuid.UUID { return m.ProjectID }

// MetaRef exposes the embedded envelope to generic code.
func (m *Meta) MetaRef() *Meta { return m }

// NewMeta returns an envelope for a freshly created entity. A zero uuid is
// replaced with a random one so clients may supply their own identifiers.
func NewMeta(id uuid.UUID, name string, project uuid.UUID) Meta {
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := time.Now().UTC()
	return Meta{
		UUID:      id,
		Name:      name,
		ProjectID: project,
		Status:    StatusNew,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AgentStatus represents the registration state of a universal agent.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "ACTIVE"
	AgentStatusDisabled AgentStatus = "DISABLED"
)

// Agent is a registered universal agent. Agents live in the service project
// and are keyed by the machine identity of the node they run on.
type Agent struct {
	UUID          uuid.UUID   `json:"uuid" gorm:"type:text;primaryKey" validate:"required"`
	Name          string      `json:"name" gorm:"size:255" validate:"required,max=255"`
	NodeUUID      uuid.UUID   `json:"node_uuid" gorm:"type:text;index"`
	Capabilities  []string    `json:"capabilities" gorm:"serializer:json" validate:"required,min=1"`
	Status        AgentStatus `json:"status" gorm:"size:32"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Stale reports whether the agent's last heartbeat is older than bound.
func (a *Agent) Stale(now time.Time, bound time.Duration) bool {
	return now.Sub(a.LastHeartbeat) > bound
}
