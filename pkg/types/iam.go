package types

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// PermissionNameRE constrains permission names to dotted triples of the form
// service.resource.action. The wildcard segment * is allowed everywhere but
// the service position; *.*.* itself is reserved for the bootstrap admin.
var PermissionNameRE = regexp.MustCompile(`^[a-z_]+(\.[a-z_*]+){2}$`)

// WildcardPermission grants everything. Reserved for the bootstrap admin.
const WildcardPermission = "*.*.*"

// User is an authenticatable subject. The envelope name is the login name.
type User struct {
	Meta
	FirstName        string `json:"first_name" gorm:"size:128" validate:"required,max=128"`
	LastName         string `json:"last_name" gorm:"size:128" validate:"required,max=128"`
	Email            string `json:"email" gorm:"size:128;index" validate:"required,email"`
	Phone            string `json:"phone,omitempty" gorm:"size:15"`
	SecretHash       string `json:"-" gorm:"size:255"`
	Confirmed        bool   `json:"confirmed"`
	ConfirmationCode string `json:"-" gorm:"size:64"`
	ResetCode        string `json:"-" gorm:"size:64"`
}

// TableName overrides the gorm default pluralization.
func (User) TableName() string { return "iam_users" }

// Organization groups projects under a shared ownership boundary.
type Organization struct {
	Meta
	Info map[string]string `json:"info,omitempty" gorm:"serializer:json"`
}

// TableName overrides the gorm default pluralization.
func (Organization) TableName() string { return "iam_organizations" }

// OrgRole is the membership role inside an organization.
type OrgRole string

const (
	OrgRoleOwner  OrgRole = "OWNER"
	OrgRoleMember OrgRole = "MEMBER"
)

// OrganizationMember links a user into an organization.
type OrganizationMember struct {
	Meta
	OrganizationUUID uuid.UUID `json:"organization" gorm:"type:text;index:idx_org_members,unique" validate:"required"`
	UserUUID         uuid.UUID `json:"user" gorm:"type:text;index:idx_org_members,unique" validate:"required"`
	Role             OrgRole   `json:"role" gorm:"size:16" validate:"required,oneof=OWNER MEMBER"`
}

// TableName overrides the gorm default pluralization.
func (OrganizationMember) TableName() string { return "iam_organization_members" }

// Project is the authorization scope resources live in. Every project is
// owned by exactly one organization.
type Project struct {
	Meta
	OrganizationUUID uuid.UUID `json:"organization" gorm:"type:text;index" validate:"required"`
}

// TableName overrides the gorm default pluralization.
func (Project) TableName() string { return "iam_projects" }

// Permission names one allowed action as a dotted triple.
type Permission struct {
	Meta
}

// TableName overrides the gorm default pluralization.
func (Permission) TableName() string { return "iam_permissions" }

// Role is a named collection of permissions.
type Role struct {
	Meta
}

// TableName overrides the gorm default pluralization.
func (Role) TableName() string { return "iam_roles" }

// PermissionBinding attaches a permission to a role, optionally scoped to a
// single project. A null project means the binding holds everywhere.
type PermissionBinding struct {
	Meta
	RoleUUID       uuid.UUID  `json:"role" gorm:"type:text;index" validate:"required"`
	PermissionUUID uuid.UUID  `json:"permission" gorm:"type:text;index" validate:"required"`
	Project        *uuid.UUID `json:"project,omitempty" gorm:"type:text;index"`
}

// TableName overrides the gorm default pluralization.
func (PermissionBinding) TableName() string { return "iam_permission_bindings" }

// RoleBinding grants a role to a user, optionally scoped to a project.
type RoleBinding struct {
	Meta
	UserUUID uuid.UUID  `json:"user" gorm:"type:text;index" validate:"required"`
	RoleUUID uuid.UUID  `json:"role" gorm:"type:text;index" validate:"required"`
	Project  *uuid.UUID `json:"project,omitempty" gorm:"type:text;index"`
}

// TableName overrides the gorm default pluralization.
func (RoleBinding) TableName() string { return "iam_role_bindings" }

// IamClient is a registered OIDC client allowed to drive the password grant.
type IamClient struct {
	Meta
	ClientID    string `json:"client_id" gorm:"size:64;uniqueIndex" validate:"required,max=64"`
	SecretHash  string `json:"-" gorm:"size:255"`
	RedirectURL string `json:"redirect_url,omitempty" gorm:"size:255" validate:"omitempty,url"`
}

// TableName overrides the gorm default pluralization.
func (IamClient) TableName() string { return "iam_clients" }

// Token is an issued opaque bearer token. The access token value is the row
// uuid itself; introspection resolves it against this table.
type Token struct {
	UUID             uuid.UUID `json:"uuid" gorm:"type:text;primaryKey"`
	UserUUID         uuid.UUID `json:"user" gorm:"type:text;index"`
	ClientUUID       uuid.UUID `json:"client" gorm:"type:text"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshUUID      uuid.UUID `json:"refresh_uuid" gorm:"type:text;index"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// TableName overrides the gorm default pluralization.
func (Token) TableName() string { return "iam_tokens" }

// Expired reports whether the access token is past its lifetime.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Introspection is the resolved identity behind a bearer token.
type Introspection struct {
	UserUUID  uuid.UUID `json:"user_uuid"`
	UserName  string    `json:"user_name"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}
