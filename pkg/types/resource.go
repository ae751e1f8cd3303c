package types

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
)

// Resource is the wire envelope exchanged between the control plane and
// universal agents. Both the orchestrator endpoint (target fetch) and the
// status endpoint (actual push) speak this shape.
type Resource struct {
	UUID              uuid.UUID       `json:"uuid" validate:"required"`
	Kind              Kind            `json:"kind" validate:"required"`
	ProjectID         uuid.UUID       `json:"project_id"`
	Version           int64           `json:"version"`
	Status            Status          `json:"status"`
	StatusDescription string          `json:"status_description,omitempty"`
	Spec              json.RawMessage `json:"spec"`
	ObservedAt        time.Time       `json:"observed_at,omitempty"`
}

// FullHash computes an order-insensitive content hash of the spec payload.
// Agents compare target and actual hashes to decide whether an update is
// needed, so the hash must not depend on JSON key ordering.
func (r *Resource) FullHash() (string, error) {
	var spec map[string]any
	if len(r.Spec) > 0 {
		if err := json.Unmarshal(r.Spec, &spec); err != nil {
			return "", err
		}
	}
	h, err := hashstructure.Hash(spec, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(h, 16), nil
}

// DecodeSpec unmarshals the spec payload into out.
func (r *Resource) DecodeSpec(out any) error {
	return json.Unmarshal(r.Spec, out)
}

// EncodeSpec marshals payload into the spec field.
func (r *Resource) EncodeSpec(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.Spec = raw
	return nil
}

// TargetResource is a target-plane row: the desired state of one resource as
// written by the user API or by orchestrator fan-out.
type TargetResource struct {
	UUID              uuid.UUID  `json:"uuid" gorm:"type:text;primaryKey"`
	Kind              Kind       `json:"kind" gorm:"size:64;index:idx_targets_kind_status"`
	ProjectID         uuid.UUID  `json:"project_id" gorm:"type:text;index"`
	Version           int64      `json:"version"`
	Status            Status     `json:"status" gorm:"size:32;index:idx_targets_kind_status"`
	StatusDescription string     `json:"status_description,omitempty" gorm:"size:255"`
	Spec              string     `json:"spec"`
	FullHash          string     `json:"full_hash" gorm:"size:32"`
	AgentUUID         *uuid.UUID `json:"agent_uuid,omitempty" gorm:"type:text;index"`
	NodeUUID          *uuid.UUID `json:"node_uuid,omitempty" gorm:"type:text;index"`
	ParentUUID        *uuid.UUID `json:"parent_uuid,omitempty" gorm:"type:text;index"`
	Monopoly          bool       `json:"monopoly"`
	ClaimedUntil      *time.Time `json:"claimed_until,omitempty"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	Attempts          int        `json:"attempts"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName overrides the gorm default pluralization.
func (TargetResource) TableName() string { return "targets" }

// ToResource converts the row into the wire envelope.
func (t *TargetResource) ToResource() Resource {
	return Resource{
		UUID:              t.UUID,
		Kind:              t.Kind,
		ProjectID:         t.ProjectID,
		Version:           t.Version,
		Status:            t.Status,
		StatusDescription: t.StatusDescription,
		Spec:              json.RawMessage(t.Spec),
	}
}

// ActualResource is an actual-plane row: the last state observed by an agent
// for the identically-keyed target.
type ActualResource struct {
	UUID              uuid.UUID `json:"uuid" gorm:"type:text;primaryKey"`
	Kind              Kind      `json:"kind" gorm:"size:64;index"`
	ProjectID         uuid.UUID `json:"project_id" gorm:"type:text;index"`
	TargetVersion     int64     `json:"target_version"`
	Status            Status    `json:"status" gorm:"size:32"`
	StatusDescription string    `json:"status_description,omitempty" gorm:"size:255"`
	Spec              string    `json:"spec"`
	FullHash          string    `json:"full_hash" gorm:"size:32"`
	AgentUUID         uuid.UUID `json:"agent_uuid" gorm:"type:text;index"`
	ObservedAt        time.Time `json:"observed_at"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName overrides the gorm default pluralization.
func (ActualResource) TableName() string { return "actuals" }

// ToResource converts the row into the wire envelope.
func (a *ActualResource) ToResource() Resource {
	return Resource{
		UUID:              a.UUID,
		Kind:              a.Kind,
		ProjectID:         a.ProjectID,
		Version:           a.TargetVersion,
		Status:            a.Status,
		StatusDescription: a.StatusDescription,
		Spec:              json.RawMessage(a.Spec),
		ObservedAt:        a.ObservedAt,
	}
}

// NewTarget builds a target row from a typed spec payload. The caller owns
// uuid, kind and project scoping; version starts at 1.
func NewTarget(id uuid.UUID, kind Kind, project uuid.UUID, payload any) (*TargetResource, error) {
	res := Resource{UUID: id, Kind: kind, ProjectID: project, Version: 1, Status: StatusNew}
	if err := res.EncodeSpec(payload); err != nil {
		return nil, err
	}
	hash, err := res.FullHash()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &TargetResource{
		UUID:      id,
		Kind:      kind,
		ProjectID: project,
		Version:   1,
		Status:    StatusNew,
		Spec:      string(res.Spec),
		FullHash:  hash,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
