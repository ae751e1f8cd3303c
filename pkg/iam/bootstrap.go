package iam

import (
	"context"
	"os"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gopkg.in/yaml.v3"

	"github.com/infraguys/genesis-core/pkg/config"
	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/log"
	"github.com/infraguys/genesis-core/pkg/storage"
	"github.com/infraguys/genesis-core/pkg/types"
)

// Default role names seeded on first start.
const (
	RoleAdmin    = "admin"
	RoleMember   = "member"
	RoleNewcomer = "newcomer"
	RoleAgent    = "agent"
)

// BootstrapAdminUser is the login name of the seeded administrator.
const BootstrapAdminUser = "admin"

// BootstrapClientID is the client_id of the seeded password-grant client.
// It carries no secret; operators register their own clients for anything
// stricter.
const BootstrapClientID = "genesis-core"

// Seed declares the roles, permissions and bindings installed at startup.
// The file format mirrors the struct: a list of permission names, a map of
// role name to granted permission names.
type Seed struct {
	Permissions []string            `yaml:"permissions"`
	Roles       map[string][]string `yaml:"roles"`
}

// DefaultSeed returns the built-in roles and permissions. The admin role
// holds the reserved wildcard; member covers the project-scoped resource
// surface; newcomer can only read its own identity.
func DefaultSeed() Seed {
	memberPerms := []string{
		"compute.nodes.read", "compute.nodes.write",
		"compute.sets.read", "compute.sets.write",
		"network.networks.read", "network.networks.write",
		"network.subnets.read", "network.subnets.write",
		"network.interfaces.read", "network.interfaces.write",
		"network.load_balancers.read", "network.load_balancers.write",
		"em.services.read", "em.services.write",
		"secret.passwords.read", "secret.passwords.write",
		"secret.certificates.read", "secret.certificates.write",
		"config.configs.read", "config.configs.write",
		"iam.projects.read",
	}
	agentPerms := []string{
		"orch.agents.read", "orch.agents.write",
		"status.actuals.write",
	}
	perms := append([]string{types.WildcardPermission, "iam.users.read_self"}, memberPerms...)
	perms = append(perms, agentPerms...)
	return Seed{
		Permissions: perms,
		Roles: map[string][]string{
			RoleAdmin:    {types.WildcardPermission},
			RoleMember:   memberPerms,
			RoleNewcomer: {"iam.users.read_self"},
			RoleAgent:    agentPerms,
		},
	}
}

// LoadSeed reads a seed file, falling back to the defaults for an empty path.
func LoadSeed(path string) (Seed, error) {
	if path == "" {
		return DefaultSeed(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, errdefs.Wrapf(errdefs.ErrPermanent, err, "read iam seed")
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return Seed{}, errdefs.Wrapf(errdefs.ErrValidation, err, "parse iam seed")
	}
	return seed, nil
}

// Bootstrap installs the seed idempotently and, when an admin password is
// configured and no admin user exists yet, creates the bootstrap admin
// holding the wildcard permission through the admin role.
func Bootstrap(ctx context.Context, store *storage.Store, cfg config.IAM) error {
	seed, err := LoadSeed(cfg.BootstrapSeedPath)
	if err != nil {
		return err
	}
	logger := log.WithComponent("iam")

	return store.WithinTransaction(ctx, func(tx *gorm.DB) error {
		permByName := make(map[string]uuid.UUID, len(seed.Permissions))
		for _, name := range seed.Permissions {
			if name != types.WildcardPermission && !types.PermissionNameRE.MatchString(name) {
				return errdefs.Validationf("seed permission %q is malformed", name)
			}
			perm, err := ensurePermission(tx, name)
			if err != nil {
				return err
			}
			permByName[name] = perm
		}

		for roleName, grants := range seed.Roles {
			role, err := ensureRole(tx, roleName)
			if err != nil {
				return err
			}
			for _, permName := range grants {
				permUUID, ok := permByName[permName]
				if !ok {
					return errdefs.Validationf("role %s grants unknown permission %q", roleName, permName)
				}
				if err := ensurePermissionBinding(tx, role, permUUID); err != nil {
					return err
				}
			}
		}

		if err := ensureDefaultClient(tx); err != nil {
			return err
		}

		if cfg.BootstrapAdminPassword == "" {
			return nil
		}
		created, err := ensureAdminUser(tx, cfg.BootstrapAdminPassword)
		if err != nil {
			return err
		}
		if created {
			logger.Info().Msg("bootstrap admin user created")
		}
		return nil
	})
}

func ensurePermission(tx *gorm.DB, name string) (uuid.UUID, error) {
	existing, err := storage.GetPermissionByName(tx, name)
	if err == nil {
		return existing.UUID, nil
	}
	if !errdefs.IsNotFound(err) {
		return uuid.Nil, err
	}
	perm := &types.Permission{Meta: types.NewMeta(uuid.Nil, name, types.ServiceProjectID)}
	perm.Status = types.StatusActive
	if err := storage.Create(tx, perm); err != nil {
		return uuid.Nil, err
	}
	return perm.UUID, nil
}

func ensureRole(tx *gorm.DB, name string) (uuid.UUID, error) {
	existing, err := storage.GetRoleByName(tx, name)
	if err == nil {
		return existing.UUID, nil
	}
	if !errdefs.IsNotFound(err) {
		return uuid.Nil, err
	}
	role := &types.Role{Meta: types.NewMeta(uuid.Nil, name, types.ServiceProjectID)}
	role.Status = types.StatusActive
	if err := storage.Create(tx, role); err != nil {
		return uuid.Nil, err
	}
	return role.UUID, nil
}

func ensurePermissionBinding(tx *gorm.DB, role, perm uuid.UUID) error {
	var n int64
	err := tx.Model(&types.PermissionBinding{}).
		Where("role_uuid = ? AND permission_uuid = ? AND project IS NULL", role, perm).
		Count(&n).Error
	if err != nil || n > 0 {
		return err
	}
	binding := &types.PermissionBinding{
		Meta:           types.NewMeta(uuid.Nil, "seed", types.ServiceProjectID),
		RoleUUID:       role,
		PermissionUUID: perm,
	}
	binding.Status = types.StatusActive
	return storage.Create(tx, binding)
}

func ensureDefaultClient(tx *gorm.DB) error {
	if _, err := storage.GetClientByClientID(tx, BootstrapClientID); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return err
	}
	client := &types.IamClient{
		Meta:     types.NewMeta(uuid.Nil, BootstrapClientID, types.ServiceProjectID),
		ClientID: BootstrapClientID,
	}
	client.Status = types.StatusActive
	return storage.Create(tx, client)
}

func ensureAdminUser(tx *gorm.DB, password string) (bool, error) {
	if _, err := storage.GetUserByName(tx, BootstrapAdminUser); err == nil {
		return false, nil
	} else if !errdefs.IsNotFound(err) {
		return false, err
	}

	hash, err := HashSecret(password)
	if err != nil {
		return false, err
	}
	user := &types.User{
		Meta:       types.NewMeta(uuid.Nil, BootstrapAdminUser, types.ServiceProjectID),
		FirstName:  "Genesis",
		LastName:   "Admin",
		Email:      "admin@genesis-core.local",
		SecretHash: hash,
		Confirmed:  true,
	}
	user.Status = types.StatusActive
	if err := storage.Create(tx, user); err != nil {
		return false, err
	}

	role, err := storage.GetRoleByName(tx, RoleAdmin)
	if err != nil {
		return false, err
	}
	rb := &types.RoleBinding{
		Meta:     types.NewMeta(uuid.Nil, "bootstrap-admin", types.ServiceProjectID),
		UserUUID: user.UUID,
		RoleUUID: role.UUID,
	}
	rb.Status = types.StatusActive
	if err := storage.Create(tx, rb); err != nil {
		return false, err
	}
	return true, nil
}
