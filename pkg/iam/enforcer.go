package iam

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"

	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/metrics"
	"github.com/infraguys/genesis-core/pkg/storage"
	"github.com/infraguys/genesis-core/pkg/types"
)

// requiredRE constrains the permission a caller asks for: a concrete dotted
// triple, no wildcards. Wildcards live only in stored permissions.
var requiredRE = regexp.MustCompile(`^[a-z_]+(\.[a-z_]+){2}$`)

// Enforcer answers "may subject S perform action A inside project P". It is
// safe for concurrent use. The memo cache is process-private and flushed on
// every role/permission write, so a result can never outlive a revocation by
// more than the configured TTL.
type Enforcer struct {
	memo    *cache.Cache
	memoTTL time.Duration
}

// NewEnforcer builds the kernel. A zero memoTTL disables memoization.
func NewEnforcer(memoTTL time.Duration) *Enforcer {
	var memo *cache.Cache
	if memoTTL > 0 {
		memo = cache.New(memoTTL, 10*memoTTL)
	}
	return &Enforcer{memo: memo, memoTTL: memoTTL}
}

// Enforce runs the deny-by-default check inside the caller's transaction.
// It returns nil on grant, a PermissionDenied error otherwise.
func (e *Enforcer) Enforce(tx *gorm.DB, subject uuid.UUID, project *uuid.UUID, required string) error {
	if !requiredRE.MatchString(required) {
		return errdefs.Validationf("malformed permission %q", required)
	}

	key := memoKey(subject, project, required)
	if e.memo != nil {
		if granted, ok := e.memo.Get(key); ok {
			return e.verdict(granted.(bool), required)
		}
	}

	names, err := storage.UserPermissionNames(tx, subject, project)
	if err != nil {
		return err
	}

	granted := false
	for _, name := range names {
		if MatchPermission(name, required) {
			granted = true
			break
		}
	}

	if e.memo != nil {
		e.memo.Set(key, granted, e.memoTTL)
	}
	return e.verdict(granted, required)
}

func (e *Enforcer) verdict(granted bool, required string) error {
	if granted {
		metrics.IamDecisions.WithLabelValues("grant").Inc()
		return nil
	}
	metrics.IamDecisions.WithLabelValues("deny").Inc()
	return errdefs.PermissionDeniedf("permission %s is not granted", required)
}

// Invalidate flushes the memo cache. The storage layer calls it on every
// role, permission or binding write.
func (e *Enforcer) Invalidate() {
	if e.memo != nil {
		e.memo.Flush()
	}
}

func memoKey(subject uuid.UUID, project *uuid.UUID, required string) string {
	scope := "global"
	if project != nil {
		scope = project.String()
	}
	return fmt.Sprintf("%s|%s|%s", subject, scope, required)
}

// MatchPermission reports whether the stored permission name covers the
// required triple: each segment is equal or the literal wildcard *.
func MatchPermission(stored, required string) bool {
	if stored == types.WildcardPermission {
		return true
	}
	s := strings.Split(stored, ".")
	r := strings.Split(required, ".")
	if len(s) != 3 || len(r) != 3 {
		return false
	}
	for i := range s {
		if s[i] != "*" && s[i] != r[i] {
			return false
		}
	}
	return true
}
