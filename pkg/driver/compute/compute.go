package compute

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/infraguys/genesis-core/pkg/driver"
	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/types"
)

var bucketMachines = []byte("machines")

// machine is the durable record of one simulated machine. The dummy pool
// driver keeps it in a local bbolt file so ListActual stays truthful across
// agent restarts.
type machine struct {
	UUID      uuid.UUID      `json:"uuid"`
	ProjectID uuid.UUID      `json:"project_id"`
	Spec      types.NodeSpec `json:"spec"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Driver is the dummy machine-pool hypervisor. It realizes compute node
// targets as records in a local state file; a real hypervisor backend would
// replace the record writes with domain operations.
type Driver struct {
	db *bolt.DB
}

var _ driver.Driver = (*Driver)(nil)

// New opens the driver state file, creating it and its directory on first
// use.
func New(statePath string) (*Driver, error) {
	if err := os.MkdirAll(filepath.Dir(statePath), 0o700); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "create compute state dir")
	}
	db, err := bolt.Open(statePath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "open compute state")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMachines)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "init compute state")
	}
	return &Driver{db: db}, nil
}

// Close closes the state file.
func (d *Driver) Close() error {
	return d.db.Close()
}

// Kinds implements driver.Driver.
func (d *Driver) Kinds() []types.Kind {
	return []types.Kind{types.KindComputeNode}
}

// ListActual implements driver.Driver.
func (d *Driver) ListActual(ctx context.Context, project uuid.UUID) ([]types.Resource, error) {
	var out []types.Resource
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMachines).ForEach(func(k, v []byte) error {
			var m machine
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if project != uuid.Nil && m.ProjectID != project {
				return nil
			}
			res, err := m.toResource()
			if err != nil {
				return err
			}
			out = append(out, res)
			return nil
		})
	})
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrTransient, err, "list machines")
	}
	return out, nil
}

// Create implements driver.Driver.
func (d *Driver) Create(ctx context.Context, target types.Resource) (types.Resource, error) {
	spec, err := decodeSpec(target)
	if err != nil {
		return types.Resource{}, err
	}
	now := time.Now().UTC()
	m := machine{
		UUID:      target.UUID,
		ProjectID: target.ProjectID,
		Spec:      spec,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.put(ctx, &m, true); err != nil {
		return types.Resource{}, err
	}
	return m.toResource()
}

// Update implements driver.Driver.
func (d *Driver) Update(ctx context.Context, target, prior types.Resource) (types.Resource, error) {
	spec, err := decodeSpec(target)
	if err != nil {
		return types.Resource{}, err
	}
	existing, err := d.get(target.UUID)
	if err != nil {
		return types.Resource{}, err
	}
	if existing == nil {
		// The machine vanished underneath us; recreate it.
		return d.Create(ctx, target)
	}
	existing.Spec = spec
	existing.UpdatedAt = time.Now().UTC()
	if err := d.put(ctx, existing, false); err != nil {
		return types.Resource{}, err
	}
	return existing.toResource()
}

// Delete implements driver.Driver.
func (d *Driver) Delete(ctx context.Context, actual types.Resource) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMachines).Delete([]byte(actual.UUID.String()))
	})
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrTransient, err, "delete machine %s", actual.UUID)
	}
	return nil
}

func (d *Driver) get(id uuid.UUID) (*machine, error) {
	var m *machine
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMachines).Get([]byte(id.String()))
		if data == nil {
			return nil
		}
		m = &machine{}
		return json.Unmarshal(data, m)
	})
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrTransient, err, "read machine %s", id)
	}
	return m, nil
}

func (d *Driver) put(ctx context.Context, m *machine, create bool) error {
	if err := ctx.Err(); err != nil {
		return errdefs.Wrapf(errdefs.ErrTransient, err, "compute operation cancelled")
	}
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMachines)
		key := []byte(m.UUID.String())
		if create {
			if existing := b.Get(key); existing != nil {
				// Idempotent create: keep the original creation time.
				var prior machine
				if err := json.Unmarshal(existing, &prior); err == nil {
					m.CreatedAt = prior.CreatedAt
				}
			}
		}
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrTransient, err, "write machine %s", m.UUID)
	}
	return nil
}

func (m *machine) toResource() (types.Resource, error) {
	res := types.Resource{
		UUID:       m.UUID,
		Kind:       types.KindComputeNode,
		ProjectID:  m.ProjectID,
		Status:     types.StatusActive,
		ObservedAt: m.UpdatedAt,
	}
	if err := res.EncodeSpec(m.Spec); err != nil {
		return types.Resource{}, err
	}
	return res, nil
}

func decodeSpec(target types.Resource) (types.NodeSpec, error) {
	var spec types.NodeSpec
	if err := target.DecodeSpec(&spec); err != nil {
		return spec, errdefs.Wrapf(errdefs.ErrValidation, err, "decode node spec")
	}
	if spec.Cores < 1 || spec.RAM < 1 {
		return spec, errdefs.Validationf("node %s: cores and ram must be positive", target.UUID)
	}
	if spec.NodeType == types.NodeTypeHW {
		return spec, errdefs.Permanentf("node %s: bare-metal machines are not supported by the dummy pool", target.UUID)
	}
	return spec, nil
}
