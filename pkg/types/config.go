package types

import (
	"fmt"

	"github.com/google/uuid"
)

// ConfigBodyKind discriminates config body union members.
type ConfigBodyKind string

const (
	ConfigBodyText     ConfigBodyKind = "text"
	ConfigBodyTemplate ConfigBodyKind = "template"
)

// ConfigBody is the content of a rendered file: literal text or a template
// expanded with variables on the agent.
type ConfigBody struct {
	Kind      ConfigBodyKind    `json:"kind" validate:"required,oneof=text template"`
	Content   string            `json:"content,omitempty"`
	Template  string            `json:"template,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Validate checks union consistency.
func (b ConfigBody) Validate() error {
	switch b.Kind {
	case ConfigBodyText:
		if b.Content == "" {
			return fmt.Errorf("text body requires content")
		}
	case ConfigBodyTemplate:
		if b.Template == "" {
			return fmt.Errorf("template body requires a template")
		}
	default:
		return fmt.Errorf("unknown config body kind %q", b.Kind)
	}
	return nil
}

// OnChangeKind discriminates on-change action union members.
type OnChangeKind string

const (
	OnChangeNoAction OnChangeKind = "no_action"
	OnChangeShell    OnChangeKind = "shell"
)

// OnChange is the action the agent runs after the file content changed.
type OnChange struct {
	Kind    OnChangeKind `json:"kind" validate:"required,oneof=no_action shell"`
	Command string       `json:"command,omitempty"`
}

// Validate checks union consistency.
func (a OnChange) Validate() error {
	switch a.Kind {
	case OnChangeNoAction:
	case OnChangeShell:
		if a.Command == "" {
			return fmt.Errorf("shell on_change requires a command")
		}
	default:
		return fmt.Errorf("unknown on_change kind %q", a.Kind)
	}
	return nil
}

// ConfigSpec is the reconcile payload of a config target: one file rendered
// on one node.
type ConfigSpec struct {
	Name     string     `json:"name" validate:"required,max=255"`
	Path     string     `json:"path" validate:"required,max=255"`
	Mode     string     `json:"mode,omitempty" validate:"omitempty,len=4"`
	Owner    string     `json:"owner,omitempty" validate:"omitempty,max=64"`
	Group    string     `json:"group,omitempty" validate:"omitempty,max=64"`
	Body     ConfigBody `json:"body"`
	OnChange []OnChange `json:"on_change,omitempty"`
}

// Config declares a file managed on a node.
type Config struct {
	Meta
	NodeUUID uuid.UUID `json:"node" validate:"required"`
	ConfigSpec
}

// ToTarget projects the config into a target-plane row bound to its node.
func (c *Config) ToTarget() (*TargetResource, error) {
	t, err := NewTarget(c.UUID, KindConfig, c.ProjectID, c.ConfigSpec)
	if err != nil {
		return nil, err
	}
	node := c.NodeUUID
	t.NodeUUID = &node
	return t, nil
}

// ConfigFromResource decodes a wire envelope into the flat config view.
func ConfigFromResource(res Resource) (*Config, error) {
	var spec ConfigSpec
	if err := res.DecodeSpec(&spec); err != nil {
		return nil, err
	}
	return &Config{
		Meta: Meta{
			UUID:              res.UUID,
			Name:              spec.Name,
			ProjectID:         res.ProjectID,
			Status:            res.Status,
			StatusDescription: res.StatusDescription,
			Version:           res.Version,
		},
		ConfigSpec: spec,
	}, nil
}
