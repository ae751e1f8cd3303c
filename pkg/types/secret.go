package types

import (
	"time"

	"github.com/google/uuid"
)

// SecretMethod selects how a password value is produced.
type SecretMethod string

const (
	SecretAutoHex     SecretMethod = "AUTO_HEX"
	SecretAutoURLSafe SecretMethod = "AUTO_URL_SAFE"
	SecretManual      SecretMethod = "MANUAL"
)

// IsAuto reports whether the driver generates the value.
func (m SecretMethod) IsAuto() bool {
	return m == SecretAutoHex || m == SecretAutoURLSafe
}

// PasswordSpec is the reconcile payload of a password target. For MANUAL the
// user supplies Value; for AUTO methods the driver generates it and reports
// it back through the actual.
type PasswordSpec struct {
	Name   string       `json:"name" validate:"required,max=255"`
	Method SecretMethod `json:"method" validate:"required,oneof=AUTO_HEX AUTO_URL_SAFE MANUAL"`
	Length int          `json:"length,omitempty" validate:"omitempty,min=8,max=256"`
	Value  string       `json:"value,omitempty"`
}

// Password is a managed secret realized by the password driver.
type Password struct {
	Meta
	PasswordSpec
}

// ToTarget projects the password into a target-plane row.
func (p *Password) ToTarget() (*TargetResource, error) {
	return NewTarget(p.UUID, KindPassword, p.ProjectID, p.PasswordSpec)
}

// PasswordFromResource decodes a wire envelope into the flat password view.
func PasswordFromResource(res Resource) (*Password, error) {
	var spec PasswordSpec
	if err := res.DecodeSpec(&spec); err != nil {
		return nil, err
	}
	return &Password{
		Meta: Meta{
			UUID:              res.UUID,
			Name:              spec.Name,
			ProjectID:         res.ProjectID,
			Status:            res.Status,
			StatusDescription: res.StatusDescription,
			Version:           res.Version,
		},
		PasswordSpec: spec,
	}, nil
}

// CertificateMethod selects the issuance backend.
type CertificateMethod string

const (
	// CertSelfSigned issues certificates locally on the agent.
	CertSelfSigned CertificateMethod = "SELF_SIGNED"
)

// CertificateSpec is the reconcile payload of a certificate target.
type CertificateSpec struct {
	Name string `json:"name" validate:"required,max=255"`
	// Domains are the subject alternative names, first entry is the CN.
	Domains []string          `json:"domains" validate:"required,min=1,dive,hostname_rfc1123"`
	Email   string            `json:"email,omitempty" validate:"omitempty,email"`
	Method  CertificateMethod `json:"method" validate:"required,oneof=SELF_SIGNED"`
	// ExpirationThreshold is the number of days before NotAfter at which
	// the driver reissues the certificate.
	ExpirationThreshold int `json:"expiration_threshold,omitempty" validate:"omitempty,min=1,max=365"`
	KeyBits             int `json:"key_bits,omitempty" validate:"omitempty,oneof=2048 4096"`
}

// CertificateBundle is the actual-plane payload: the spec plus the issued
// material.
type CertificateBundle struct {
	CertificateSpec
	CertPEM  string    `json:"cert_pem,omitempty"`
	KeyPEM   string    `json:"key_pem,omitempty"`
	NotAfter time.Time `json:"not_after,omitempty"`
}

// ExpiresWithin reports whether the issued certificate must be renewed.
func (b *CertificateBundle) ExpiresWithin(now time.Time, threshold int) bool {
	if b.NotAfter.IsZero() {
		return true
	}
	return b.NotAfter.Sub(now) < time.Duration(threshold)*24*time.Hour
}

// Certificate is a managed certificate realized by the certificate driver.
type Certificate struct {
	Meta
	CertificateSpec
	CertPEM  string    `json:"cert_pem,omitempty"`
	NotAfter time.Time `json:"not_after,omitempty"`
}

// ToTarget projects the certificate into a target-plane row.
func (c *Certificate) ToTarget() (*TargetResource, error) {
	return NewTarget(c.UUID, KindCertificate, c.ProjectID, c.CertificateSpec)
}

// CertificateFromResource decodes a wire envelope into the flat view.
func CertificateFromResource(res Resource) (*Certificate, error) {
	var spec CertificateSpec
	if err := res.DecodeSpec(&spec); err != nil {
		return nil, err
	}
	return &Certificate{
		Meta: Meta{
			UUID:              res.UUID,
			Name:              spec.Name,
			ProjectID:         res.ProjectID,
			Status:            res.Status,
			StatusDescription: res.StatusDescription,
			Version:           res.Version,
		},
		CertificateSpec: spec,
	}, nil
}

// helper used by fan-out and API handlers that need pointer fields
func UUIDPtr(id uuid.UUID) *uuid.UUID { return &id }
