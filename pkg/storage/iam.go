package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/infraguys/genesis-core/pkg/types"
)

// UserPermissionNames resolves every permission name granted to a user
// within the project scope. Role bindings select roles (global bindings or
// bindings scoped to the project), permission bindings select permissions of
// those roles under the same scoping rule. For a nil project only global
// bindings apply.
func UserPermissionNames(tx *gorm.DB, user uuid.UUID, project *uuid.UUID) ([]string, error) {
	const base = `
SELECT DISTINCT p.name
FROM iam_role_bindings rb
JOIN iam_permission_bindings pb ON pb.role_uuid = rb.role_uuid
JOIN iam_permissions p ON p.uuid = pb.permission_uuid
WHERE rb.user_uuid = ?`

	var names []string
	var err error
	if project == nil {
		err = tx.Raw(base+` AND rb.project IS NULL AND pb.project IS NULL`, user).
			Scan(&names).Error
	} else {
		err = tx.Raw(base+` AND (rb.project IS NULL OR rb.project = ?)
  AND (pb.project IS NULL OR pb.project = ?)`, user, *project, *project).
			Scan(&names).Error
	}
	return names, err
}

// GetUserByName fetches a user by login name.
func GetUserByName(tx *gorm.DB, name string) (*types.User, error) {
	var u types.User
	if err := tx.Where("name = ?", name).First(&u).Error; err != nil {
		return nil, translate(err, "user")
	}
	return &u, nil
}

// GetUserByEmail fetches a user by email.
func GetUserByEmail(tx *gorm.DB, email string) (*types.User, error) {
	var u types.User
	if err := tx.Where("email = ?", email).First(&u).Error; err != nil {
		return nil, translate(err, "user")
	}
	return &u, nil
}

// GetClientByClientID fetches an IAM client by its public identifier.
func GetClientByClientID(tx *gorm.DB, clientID string) (*types.IamClient, error) {
	var c types.IamClient
	if err := tx.Where("client_id = ?", clientID).First(&c).Error; err != nil {
		return nil, translate(err, "iam client")
	}
	return &c, nil
}

// GetRoleByName fetches a role by name.
func GetRoleByName(tx *gorm.DB, name string) (*types.Role, error) {
	var r types.Role
	if err := tx.Where("name = ?", name).First(&r).Error; err != nil {
		return nil, translate(err, "role")
	}
	return &r, nil
}

// GetPermissionByName fetches a permission by its dotted-triple name.
func GetPermissionByName(tx *gorm.DB, name string) (*types.Permission, error) {
	var p types.Permission
	if err := tx.Where("name = ?", name).First(&p).Error; err != nil {
		return nil, translate(err, "permission")
	}
	return &p, nil
}

// GetToken resolves an access token by its opaque value.
func GetToken(tx *gorm.DB, id uuid.UUID) (*types.Token, error) {
	var t types.Token
	if err := tx.Where("uuid = ?", id).First(&t).Error; err != nil {
		return nil, translate(err, "token")
	}
	return &t, nil
}

// GetTokenByRefresh resolves a token row by its refresh value.
func GetTokenByRefresh(tx *gorm.DB, refresh uuid.UUID) (*types.Token, error) {
	var t types.Token
	if err := tx.Where("refresh_uuid = ?", refresh).First(&t).Error; err != nil {
		return nil, translate(err, "token")
	}
	return &t, nil
}

// PurgeExpiredTokens removes tokens whose refresh lifetime ended before the
// cutoff. Returns the number of rows removed.
func PurgeExpiredTokens(tx *gorm.DB, cutoff time.Time) (int64, error) {
	res := tx.Where("refresh_expires_at < ?", cutoff).Delete(&types.Token{})
	return res.RowsAffected, res.Error
}
