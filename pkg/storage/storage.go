package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/infraguys/genesis-core/pkg/config"
	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/types"
)

// Store is the relational adapter over sqlite. It is agnostic to entity
// semantics: it provides CRUD-with-filter, compare-and-set and the indexed
// queries reconciliation depends on.
type Store struct {
	db *gorm.DB
}

// Open connects to the database and configures the connection pool. The DSN
// should carry _txlock=immediate so write transactions take the lock up
// front; Open appends it when absent.
func Open(cfg config.DB) (*Store, error) {
	dsn := cfg.ConnectionURL
	if !strings.Contains(dsn, "_txlock=") {
		if strings.Contains(dsn, "?") {
			dsn += "&_txlock=immediate"
		} else {
			dsn += "?_txlock=immediate"
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "open database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "open database")
	}
	sqlDB.SetMaxOpenConns(cfg.ConnectionPoolSize)
	sqlDB.SetMaxIdleConns(cfg.ConnectionPoolSize)

	return &Store{db: db}, nil
}

// Migrate declares the schema for every entity table.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&types.TargetResource{},
		&types.ActualResource{},
		&types.Agent{},
		&types.MachinePool{},
		&types.NodeSet{},
		&types.Network{},
		&types.Subnet{},
		&types.Interface{},
		&types.Service{},
		&types.LoadBalancer{},
		&types.Vhost{},
		&types.Route{},
		&types.BackendPool{},
		&types.User{},
		&types.Organization{},
		&types.OrganizationMember{},
		&types.Project{},
		&types.Permission{},
		&types.Role{},
		&types.PermissionBinding{},
		&types.RoleBinding{},
		&types.IamClient{},
		&types.Token{},
		&types.OutboxEvent{},
	)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the raw handle for read-only accesses outside a transaction.
func (s *Store) DB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// WithinTransaction runs fn inside one serializable transaction. SQLite
// transactions are serializable; the immediate lock mode keeps writers from
// upgrading mid-transaction.
func (s *Store) WithinTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// translate maps driver errors into the shared taxonomy.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errdefs.NotFoundf("%s not found", what)
	case strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return errdefs.Wrapf(errdefs.ErrConflict, err, "%s already exists", what)
	default:
		return err
	}
}

// Get fetches one entity by uuid.
func Get[T any](tx *gorm.DB, id uuid.UUID) (*T, error) {
	var out T
	if err := tx.Where("uuid = ?", id).First(&out).Error; err != nil {
		return nil, translate(err, "entity")
	}
	return &out, nil
}

// Exists reports whether an entity with the uuid is present.
func Exists[T any](tx *gorm.DB, id uuid.UUID) (bool, error) {
	var n int64
	if err := tx.Model(new(T)).Where("uuid = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// List fetches entities matching the optional gorm condition, ordered
// deterministically by creation time then uuid.
func List[T any](tx *gorm.DB, conds ...any) ([]T, error) {
	var out []T
	q := tx.Order("created_at, uuid")
	if len(conds) > 0 {
		q = q.Where(conds[0], conds[1:]...)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Create inserts a new entity. Duplicate identifiers surface as Conflict.
func Create[T any](tx *gorm.DB, obj *T) error {
	return translate(tx.Create(obj).Error, "entity")
}

// CASUpdate applies updates to the row only if its version matches the one
// the caller observed, bumping the version by exactly one. A lost race
// yields Conflict, a vanished row NotFound.
func CASUpdate[T any](tx *gorm.DB, id uuid.UUID, version int64, updates map[string]any) error {
	merged := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		merged[k] = v
	}
	merged["version"] = version + 1

	res := tx.Model(new(T)).Where("uuid = ? AND version = ?", id, version).Updates(merged)
	if res.Error != nil {
		return translate(res.Error, "entity")
	}
	if res.RowsAffected == 0 {
		exists, err := Exists[T](tx, id)
		if err != nil {
			return err
		}
		if exists {
			return errdefs.Conflictf("stale version %d for %s", version, id)
		}
		return errdefs.NotFoundf("entity %s not found", id)
	}
	return nil
}

// CASReplace overwrites the whole row under the same version guard as
// CASUpdate. Zero-valued fields overwrite their columns too, so the caller
// must send the complete entity with the successor version already set on
// its envelope.
func CASReplace[T any](tx *gorm.DB, obj *T, observed int64) error {
	meta := any(obj).(interface{ MetaRef() *types.Meta }).MetaRef()
	res := tx.Model(obj).
		Where("uuid = ? AND version = ?", meta.UUID, observed).
		Select("*").Omit("uuid", "created_at").
		Updates(obj)
	if res.Error != nil {
		return translate(res.Error, "entity")
	}
	if res.RowsAffected == 0 {
		exists, err := Exists[T](tx, meta.UUID)
		if err != nil {
			return err
		}
		if exists {
			return errdefs.Conflictf("stale version %d for %s", observed, meta.UUID)
		}
		return errdefs.NotFoundf("entity %s not found", meta.UUID)
	}
	return nil
}

// Delete removes the row physically. Absent rows yield NotFound.
func Delete[T any](tx *gorm.DB, id uuid.UUID) error {
	res := tx.Where("uuid = ?", id).Delete(new(T))
	if res.Error != nil {
		return translate(res.Error, "entity")
	}
	if res.RowsAffected == 0 {
		return errdefs.NotFoundf("entity %s not found", id)
	}
	return nil
}
