package iam

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/infraguys/genesis-core/pkg/errdefs"
)

// HashSecret derives the stored hash of a user or client secret.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", errdefs.Wrapf(errdefs.ErrPermanent, err, "hash secret")
	}
	return string(h), nil
}

// VerifySecret checks a presented secret against the stored hash.
func VerifySecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
