package iam

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/storage"
	"github.com/infraguys/genesis-core/pkg/types"
)

// Authenticate resolves the password grant: client credentials first, then
// the user secret. Failures are deliberately indistinguishable.
func Authenticate(tx *gorm.DB, clientID, clientSecret, username, password string) (*types.User, *types.IamClient, error) {
	client, err := storage.GetClientByClientID(tx, clientID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil, errdefs.AuthRequiredf("invalid credentials")
		}
		return nil, nil, err
	}
	if client.SecretHash != "" && !VerifySecret(client.SecretHash, clientSecret) {
		return nil, nil, errdefs.AuthRequiredf("invalid credentials")
	}

	user, err := storage.GetUserByName(tx, username)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil, errdefs.AuthRequiredf("invalid credentials")
		}
		return nil, nil, err
	}
	if !VerifySecret(user.SecretHash, password) {
		return nil, nil, errdefs.AuthRequiredf("invalid credentials")
	}
	return user, client, nil
}

// IssueToken mints an opaque bearer token bound to the token table.
func IssueToken(tx *gorm.DB, user, client uuid.UUID, ttl, refreshTTL time.Duration) (*types.Token, error) {
	now := time.Now().UTC()
	token := &types.Token{
		UUID:             uuid.New(),
		UserUUID:         user,
		ClientUUID:       client,
		ExpiresAt:        now.Add(ttl),
		RefreshUUID:      uuid.New(),
		RefreshExpiresAt: now.Add(refreshTTL),
		CreatedAt:        now,
	}
	if err := tx.Create(token).Error; err != nil {
		return nil, err
	}
	return token, nil
}

// Introspect resolves a bearer token value to the identity behind it.
func Introspect(tx *gorm.DB, value uuid.UUID, now time.Time) (*types.Introspection, error) {
	token, err := storage.GetToken(tx, value)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errdefs.AuthRequiredf("invalid token")
		}
		return nil, err
	}
	if token.Expired(now) {
		return nil, errdefs.AuthRequiredf("token expired")
	}
	user, err := storage.Get[types.User](tx, token.UserUUID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errdefs.AuthRequiredf("invalid token")
		}
		return nil, err
	}
	return &types.Introspection{
		UserUUID:  user.UUID,
		UserName:  user.Name,
		Email:     user.Email,
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// Refresh rotates a token pair off its refresh value. The old pair is
// removed; an expired refresh value fails with AuthRequired.
func Refresh(tx *gorm.DB, refresh uuid.UUID, ttl, refreshTTL time.Duration) (*types.Token, error) {
	old, err := storage.GetTokenByRefresh(tx, refresh)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errdefs.AuthRequiredf("invalid refresh token")
		}
		return nil, err
	}
	if time.Now().UTC().After(old.RefreshExpiresAt) {
		return nil, errdefs.AuthRequiredf("refresh token expired")
	}
	if err := tx.Delete(old).Error; err != nil {
		return nil, err
	}
	return IssueToken(tx, old.UserUUID, old.ClientUUID, ttl, refreshTTL)
}
