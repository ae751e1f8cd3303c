package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// The flat API views embed Meta next to a spec struct and both declare a
// "name" key. encoding/json drops colliding promoted fields, so the views
// marshal through an explicit merge and unmarshal every part from the same
// body. Later parts win on shared keys; Meta goes last so the envelope is
// authoritative.
func mergeJSON(parts ...any) ([]byte, error) {
	merged := make(map[string]json.RawMessage)
	for _, part := range parts {
		raw, err := json.Marshal(part)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func (n Node) MarshalJSON() ([]byte, error) {
	return mergeJSON(n.NodeSpec, n.Meta)
}

func (n *Node) UnmarshalJSON(b []byte) error {
	if err := json.Unmarshal(b, &n.NodeSpec); err != nil {
		return err
	}
	return json.Unmarshal(b, &n.Meta)
}

func (p Password) MarshalJSON() ([]byte, error) {
	return mergeJSON(p.PasswordSpec, p.Meta)
}

func (p *Password) UnmarshalJSON(b []byte) error {
	if err := json.Unmarshal(b, &p.PasswordSpec); err != nil {
		return err
	}
	return json.Unmarshal(b, &p.Meta)
}

type certificateIssued struct {
	CertPEM  string    `json:"cert_pem,omitempty"`
	NotAfter time.Time `json:"not_after,omitzero"`
}

func (c Certificate) MarshalJSON() ([]byte, error) {
	return mergeJSON(c.CertificateSpec, certificateIssued{c.CertPEM, c.NotAfter}, c.Meta)
}

func (c *Certificate) UnmarshalJSON(b []byte) error {
	if err := json.Unmarshal(b, &c.CertificateSpec); err != nil {
		return err
	}
	var issued certificateIssued
	if err := json.Unmarshal(b, &issued); err != nil {
		return err
	}
	c.CertPEM, c.NotAfter = issued.CertPEM, issued.NotAfter
	return json.Unmarshal(b, &c.Meta)
}

type configNode struct {
	NodeUUID uuid.UUID `json:"node"`
}

func (c Config) MarshalJSON() ([]byte, error) {
	return mergeJSON(c.ConfigSpec, configNode{c.NodeUUID}, c.Meta)
}

func (c *Config) UnmarshalJSON(b []byte) error {
	if err := json.Unmarshal(b, &c.ConfigSpec); err != nil {
		return err
	}
	var node configNode
	if err := json.Unmarshal(b, &node); err != nil {
		return err
	}
	c.NodeUUID = node.NodeUUID
	return json.Unmarshal(b, &c.Meta)
}
