package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/events"
	"github.com/infraguys/genesis-core/pkg/iam"
	"github.com/infraguys/genesis-core/pkg/storage"
	"github.com/infraguys/genesis-core/pkg/types"
)

// tokenRequest is the password or refresh grant body.
type tokenRequest struct {
	GrantType    string `json:"grant_type" validate:"required,oneof=password refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

// tokenResponse mirrors the OAuth password grant response shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var token *types.Token
	err := s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
		switch req.GrantType {
		case "refresh_token":
			refresh, err := uuid.Parse(req.RefreshToken)
			if err != nil {
				return errdefs.AuthRequiredf("malformed refresh token")
			}
			token, err = iam.Refresh(tx, refresh, s.iamCfg.TokenTTL, s.iamCfg.RefreshTTL)
			return err
		default:
			user, client, err := iam.Authenticate(tx, req.ClientID, req.ClientSecret, req.Username, req.Password)
			if err != nil {
				return err
			}
			token, err = iam.IssueToken(tx, user.UUID, client.UUID, s.iamCfg.TokenTTL, s.iamCfg.RefreshTTL)
			return err
		}
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  token.UUID.String(),
		RefreshToken: token.RefreshUUID.String(),
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.iamCfg.TokenTTL.Seconds()),
	})
}

// enforce runs the deny-by-default check for the request identity.
func (s *Server) enforce(ctx context.Context, tx *gorm.DB, project *uuid.UUID, perm string) error {
	who := identity(ctx)
	if who == nil {
		return errdefs.AuthRequiredf("no identity")
	}
	return s.enforcer.Enforce(tx, who.UserUUID, project, perm)
}

// registerRequest is the self-service signup body.
type registerRequest struct {
	Name      string `json:"name" validate:"required,max=255"`
	FirstName string `json:"first_name" validate:"required,max=128"`
	LastName  string `json:"last_name" validate:"required,max=128"`
	Email     string `json:"email" validate:"required,email"`
	Phone     string `json:"phone,omitempty" validate:"omitempty,max=15"`
	Password  string `json:"password" validate:"required,min=8,max=256"`
}

// handleUserRegister creates the user with its personal organization and
// default project, grants newcomer globally and member inside the project,
// and queues the confirmation mail event. All in one transaction.
func (s *Server) handleUserRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	hash, err := iam.HashSecret(req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	code, err := randomCode()
	if err != nil {
		writeError(w, err)
		return
	}

	var user *types.User
	err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
		user = &types.User{
			Meta:             types.NewMeta(uuid.Nil, req.Name, types.ServiceProjectID),
			FirstName:        req.FirstName,
			LastName:         req.LastName,
			Email:            req.Email,
			Phone:            req.Phone,
			SecretHash:       hash,
			ConfirmationCode: code,
		}
		user.Status = types.StatusActive
		if err := storage.Create(tx, user); err != nil {
			return err
		}

		org := &types.Organization{Meta: types.NewMeta(uuid.Nil, req.Name, types.ServiceProjectID)}
		org.Status = types.StatusActive
		if err := storage.Create(tx, org); err != nil {
			return err
		}
		member := &types.OrganizationMember{
			Meta:             types.NewMeta(uuid.Nil, "owner", types.ServiceProjectID),
			OrganizationUUID: org.UUID,
			UserUUID:         user.UUID,
			Role:             types.OrgRoleOwner,
		}
		member.Status = types.StatusActive
		if err := storage.Create(tx, member); err != nil {
			return err
		}

		project := &types.Project{
			Meta:             types.NewMeta(uuid.Nil, "default", types.ServiceProjectID),
			OrganizationUUID: org.UUID,
		}
		project.Status = types.StatusActive
		if err := storage.Create(tx, project); err != nil {
			return err
		}

		if err := bindRole(tx, user.UUID, iam.RoleNewcomer, nil); err != nil {
			return err
		}
		if err := bindRole(tx, user.UUID, iam.RoleMember, &project.UUID); err != nil {
			return err
		}
		s.enforcer.Invalidate()

		return events.Publish(tx, events.KindUserRegistration, events.UserRegistration{
			Version:          1,
			UserUUID:         user.UUID,
			Email:            user.Email,
			SiteEndpoint:     s.site,
			ConfirmationCode: code,
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func bindRole(tx *gorm.DB, user uuid.UUID, roleName string, project *uuid.UUID) error {
	role, err := storage.GetRoleByName(tx, roleName)
	if err != nil {
		return err
	}
	binding := &types.RoleBinding{
		Meta:     types.NewMeta(uuid.Nil, roleName, types.ServiceProjectID),
		UserUUID: user,
		RoleUUID: role.UUID,
		Project:  project,
	}
	binding.Status = types.StatusActive
	return storage.Create(tx, binding)
}

func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	var users []types.User
	err := s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
		if err := s.enforce(r.Context(), tx, nil, "iam.users.read"); err != nil {
			return err
		}
		var err error
		users, err = storage.List[types.User](tx)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleUserGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var user *types.User
	err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
		// Reading your own record needs only read_self.
		perm := "iam.users.read"
		if who := identity(r.Context()); who != nil && who.UserUUID == id {
			perm = "iam.users.read_self"
		}
		if err := s.enforce(r.Context(), tx, nil, perm); err != nil {
			return err
		}
		var err error
		user, err = storage.Get[types.User](tx, id)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
		if err := s.enforce(r.Context(), tx, nil, "iam.users.write"); err != nil {
			return err
		}
		if err := tx.Where("user_uuid = ?", id).Delete(&types.RoleBinding{}).Error; err != nil {
			return err
		}
		s.enforcer.Invalidate()
		return storage.Delete[types.User](tx, id)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=256"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req changePasswordRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
		who := identity(r.Context())
		if who == nil || who.UserUUID != id {
			if err := s.enforce(r.Context(), tx, nil, "iam.users.write"); err != nil {
				return err
			}
		}
		user, err := storage.Get[types.User](tx, id)
		if err != nil {
			return err
		}
		if !iam.VerifySecret(user.SecretHash, req.OldPassword) {
			return errdefs.AuthRequiredf("invalid credentials")
		}
		hash, err := iam.HashSecret(req.NewPassword)
		if err != nil {
			return err
		}
		return tx.Model(user).Update("secret_hash", hash).Error
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type resetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// handleResetPasswordRequest queues a reset mail. The response does not
// reveal whether the address is known.
func (s *Server) handleResetPasswordRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	err := s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
		user, err := storage.GetUserByEmail(tx, req.Email)
		if errdefs.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		code, err := randomCode()
		if err != nil {
			return err
		}
		if err := tx.Model(user).Update("reset_code", code).Error; err != nil {
			return err
		}
		return events.Publish(tx, events.KindUserResetPassword, events.UserResetPassword{
			Version:      1,
			UserUUID:     user.UUID,
			Email:        user.Email,
			SiteEndpoint: s.site,
			ResetCode:    code,
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

type applyResetRequest struct {
	Email       string `json:"email" validate:"required,email"`
	ResetCode   string `json:"reset_code" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=256"`
}

func (s *Server) handleResetPasswordApply(w http.ResponseWriter, r *http.Request) {
	var req applyResetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	err := s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
		user, err := storage.GetUserByEmail(tx, req.Email)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return errdefs.AuthRequiredf("invalid reset code")
			}
			return err
		}
		if user.ResetCode == "" || user.ResetCode != req.ResetCode {
			return errdefs.AuthRequiredf("invalid reset code")
		}
		hash, err := iam.HashSecret(req.NewPassword)
		if err != nil {
			return err
		}
		return tx.Model(user).Updates(map[string]any{
			"secret_hash": hash,
			"reset_code":  "",
		}).Error
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// registerIamCRUD wires the flat IAM administration entities. Writes to
// roles, permissions and bindings flush the enforcer memo so revocation
// takes effect within the memo TTL.
func registerIamCRUD(mux *http.ServeMux, s *Server) {
	crudRoutes[types.Organization](mux, s, "/v1/iam/organizations/", "iam.organizations", false, nil)
	crudRoutes[types.OrganizationMember](mux, s, "/v1/iam/organization_members/", "iam.organization_members", false, nil)
	crudRoutes[types.Project](mux, s, "/v1/iam/projects/", "iam.projects", false, nil)
	crudRoutes[types.Permission](mux, s, "/v1/iam/permissions/", "iam.permissions", true, checkPermissionName)
	crudRoutes[types.Role](mux, s, "/v1/iam/roles/", "iam.roles", true, nil)
	crudRoutes[types.PermissionBinding](mux, s, "/v1/iam/permission_bindings/", "iam.permission_bindings", true, nil)
	crudRoutes[types.RoleBinding](mux, s, "/v1/iam/role_bindings/", "iam.role_bindings", true, nil)
	crudRoutes[types.IamClient](mux, s, "/v1/iam/iam_clients/", "iam.iam_clients", false, nil)
}

// checkPermissionName keeps permission names inside the dotted-triple
// grammar. The universal wildcard is seeded at bootstrap and can never be
// created through the API.
func checkPermissionName(p *types.Permission) error {
	if p.Name == types.WildcardPermission {
		return errdefs.Validationf("permission name %s is reserved", types.WildcardPermission)
	}
	if !types.PermissionNameRE.MatchString(p.Name) {
		return errdefs.Validationf("permission name %q is not of the form service.resource.action", p.Name)
	}
	return nil
}

// crudRoutes registers create/list/get/delete for one relational entity kind.
// invalidates marks entity kinds whose writes affect authorization results.
func crudRoutes[T any](mux *http.ServeMux, s *Server, path, permPrefix string, invalidates bool, check func(*T) error) {
	mux.Handle("POST "+path, s.authed(func(w http.ResponseWriter, r *http.Request) {
		var obj T
		if err := parseBody(r, &obj); err != nil {
			writeError(w, err)
			return
		}
		meta := any(&obj).(interface{ MetaRef() *types.Meta }).MetaRef()
		initMeta(meta)
		if err := validateStruct(&obj); err != nil {
			writeError(w, err)
			return
		}
		if check != nil {
			if err := check(&obj); err != nil {
				writeError(w, err)
				return
			}
		}

		err := s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
			if err := s.enforce(r.Context(), tx, nil, permPrefix+".write"); err != nil {
				return err
			}
			if err := storage.Create(tx, &obj); err != nil {
				return err
			}
			if invalidates {
				s.enforcer.Invalidate()
			}
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, obj)
	}))

	mux.Handle("GET "+path, s.authed(func(w http.ResponseWriter, r *http.Request) {
		var out []T
		err := s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
			if err := s.enforce(r.Context(), tx, nil, permPrefix+".read"); err != nil {
				return err
			}
			var err error
			out, err = storage.List[T](tx)
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}))

	mux.Handle("GET "+path+"{uuid}", s.authed(func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		var obj *T
		err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
			if err := s.enforce(r.Context(), tx, nil, permPrefix+".read"); err != nil {
				return err
			}
			obj, err = storage.Get[T](tx, id)
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, obj)
	}))

	mux.Handle("DELETE "+path+"{uuid}", s.authed(func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
			if err := s.enforce(r.Context(), tx, nil, permPrefix+".write"); err != nil {
				return err
			}
			if err := storage.Delete[T](tx, id); err != nil {
				return err
			}
			if invalidates {
				s.enforcer.Invalidate()
			}
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
	}))
}

// initMeta fills envelope defaults for a client-supplied entity.
func initMeta(m *types.Meta) {
	if m.UUID == uuid.Nil {
		m.UUID = uuid.New()
	}
	if m.Version == 0 {
		m.Version = 1
	}
	if m.Status == "" {
		m.Status = types.StatusActive
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}

func randomCode() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errdefs.Wrapf(errdefs.ErrPermanent, err, "generate code")
	}
	return hex.EncodeToString(buf), nil
}
