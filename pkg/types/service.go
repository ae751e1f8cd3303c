package types

import (
	"fmt"

	"github.com/google/uuid"
)

// ServiceKind types a systemd service declaration. Monopoly kinds run on at
// most one node of the deployment target at any instant.
type ServiceKind string

const (
	ServiceSimple          ServiceKind = "simple"
	ServiceOneshot         ServiceKind = "oneshot"
	ServiceMonopoly        ServiceKind = "monopoly"
	ServiceMonopolyOneshot ServiceKind = "monopoly_oneshot"
)

// IsMonopoly reports whether the kind allows at most one active node.
func (k ServiceKind) IsMonopoly() bool {
	return k == ServiceMonopoly || k == ServiceMonopolyOneshot
}

// IsOneshot reports whether the kind maps to a oneshot systemd unit.
func (k ServiceKind) IsOneshot() bool {
	return k == ServiceOneshot || k == ServiceMonopolyOneshot
}

// HookKind discriminates hook union members.
type HookKind string

const (
	HookShell   HookKind = "shell"
	HookService HookKind = "service"
)

// Hook is one entry of a service's before/after list. The union is tagged by
// Kind: shell hooks carry a command line, service hooks reference another
// service by uuid.
type Hook struct {
	Kind    HookKind   `json:"kind" validate:"required,oneof=shell service"`
	Command string     `json:"command,omitempty"`
	Service *uuid.UUID `json:"service,omitempty"`
}

// Validate checks union consistency. Service-kind hooks are declared in the
// model but dependency ordering between services is not implemented yet, so
// callers must reject them on input.
func (h Hook) Validate() error {
	switch h.Kind {
	case HookShell:
		if h.Command == "" {
			return fmt.Errorf("shell hook requires a command")
		}
	case HookService:
		if h.Service == nil {
			return fmt.Errorf("service hook requires a service reference")
		}
	default:
		return fmt.Errorf("unknown hook kind %q", h.Kind)
	}
	return nil
}

// DeployTargetKind discriminates deployment target union members.
type DeployTargetKind string

const (
	DeployTargetNode DeployTargetKind = "node"
	DeployTargetSet  DeployTargetKind = "set"
)

// DeployTarget is where a service is deployed: a single node or a node set.
type DeployTarget struct {
	Kind DeployTargetKind `json:"kind" validate:"required,oneof=node set"`
	Node *uuid.UUID       `json:"node,omitempty"`
	Set  *uuid.UUID       `json:"set,omitempty"`
}

// Validate checks union consistency.
func (t DeployTarget) Validate() error {
	switch t.Kind {
	case DeployTargetNode:
		if t.Node == nil {
			return fmt.Errorf("node target requires a node reference")
		}
	case DeployTargetSet:
		if t.Set == nil {
			return fmt.Errorf("set target requires a set reference")
		}
	default:
		return fmt.Errorf("unknown deploy target kind %q", t.Kind)
	}
	return nil
}

// Service is a systemd service declaration deployed onto nodes. The
// orchestrator projects it into one ServiceNode per target node.
type Service struct {
	Meta
	Path   string       `json:"path" gorm:"size:255" validate:"required,max=255"`
	User   string       `json:"user" gorm:"size:64" validate:"required,max=64"`
	Group  string       `json:"group" gorm:"size:64" validate:"required,max=64"`
	Type   ServiceKind  `json:"service_type" gorm:"size:32" validate:"required,oneof=simple oneshot monopoly monopoly_oneshot"`
	Target DeployTarget `json:"target" gorm:"serializer:json"`
	Before []Hook       `json:"before" gorm:"serializer:json"`
	After  []Hook       `json:"after" gorm:"serializer:json"`
}

// TableName overrides the gorm default pluralization.
func (Service) TableName() string { return "services" }

// ServiceNodeSpec is the reconcile payload of a service node target: the
// slice of a service the agent realizes as a unit file on one node.
type ServiceNodeSpec struct {
	Name         string      `json:"name"`
	Path         string      `json:"path"`
	User         string      `json:"user"`
	Group        string      `json:"group"`
	Type         ServiceKind `json:"service_type"`
	Before       []Hook      `json:"before,omitempty"`
	After        []Hook      `json:"after,omitempty"`
	TargetStatus Status      `json:"target_status"`
}

// ServiceNode is the projection of a service onto one node. Created by the
// orchestrator, consumed by the agent on that node.
type ServiceNode struct {
	Meta
	ServiceUUID uuid.UUID `json:"service"`
	NodeUUID    uuid.UUID `json:"node"`
	ServiceNodeSpec
}

// ServiceNodeUUID derives the deterministic identity of a service's
// projection onto a node, so repeated fan-out converges on the same row.
func ServiceNodeUUID(node uuid.UUID, path string) uuid.UUID {
	return uuid.NewSHA1(node, []byte(path))
}

// ProjectOnto builds the service-node target row for one member node.
func (s *Service) ProjectOnto(node uuid.UUID) (*TargetResource, error) {
	spec := ServiceNodeSpec{
		Name:         s.Name,
		Path:         s.Path,
		User:         s.User,
		Group:        s.Group,
		Type:         s.Type,
		Before:       s.Before,
		After:        s.After,
		TargetStatus: StatusActive,
	}
	id := ServiceNodeUUID(node, s.Path)
	t, err := NewTarget(id, KindServiceNode, s.ProjectID, spec)
	if err != nil {
		return nil, err
	}
	parent := s.UUID
	n := node
	t.ParentUUID = &parent
	t.NodeUUID = &n
	t.Monopoly = s.Type.IsMonopoly()
	return t, nil
}
