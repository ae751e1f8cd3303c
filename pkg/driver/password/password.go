package password

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/infraguys/genesis-core/pkg/driver"
	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/types"
)

const defaultLength = 32

// entry is one stored password. The generated value lives only here and in
// the actual spec reported to the control plane.
type entry struct {
	UUID      uuid.UUID          `json:"uuid"`
	ProjectID uuid.UUID          `json:"project_id"`
	Spec      types.PasswordSpec `json:"spec"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Driver realizes password targets. AUTO methods generate the value on
// create; MANUAL takes it from the target spec. State is a JSON file so
// generated values survive restarts.
type Driver struct {
	path string

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

var _ driver.Driver = (*Driver)(nil)

// New loads the password store, creating it on first use.
func New(storePath string) (*Driver, error) {
	if err := os.MkdirAll(filepath.Dir(storePath), 0o700); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "create password store dir")
	}
	d := &Driver{path: storePath, entries: make(map[uuid.UUID]*entry)}

	raw, err := os.ReadFile(storePath)
	switch {
	case os.IsNotExist(err):
		return d, nil
	case err != nil:
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "read password store")
	}
	var stored []*entry
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "parse password store")
	}
	for _, e := range stored {
		d.entries[e.UUID] = e
	}
	return d, nil
}

// Kinds implements driver.Driver.
func (d *Driver) Kinds() []types.Kind {
	return []types.Kind{types.KindPassword}
}

// ListActual implements driver.Driver.
func (d *Driver) ListActual(ctx context.Context, project uuid.UUID) ([]types.Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []types.Resource
	for _, e := range d.entries {
		if project != uuid.Nil && e.ProjectID != project {
			continue
		}
		res, err := e.toResource()
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Create implements driver.Driver.
func (d *Driver) Create(ctx context.Context, target types.Resource) (types.Resource, error) {
	spec, err := decodeSpec(target)
	if err != nil {
		return types.Resource{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.entries[target.UUID]; ok {
		return existing.toResource()
	}
	return d.createLocked(target, spec)
}

func (d *Driver) createLocked(target types.Resource, spec types.PasswordSpec) (types.Resource, error) {
	if spec.Method.IsAuto() {
		value, err := generate(spec.Method, spec.Length)
		if err != nil {
			return types.Resource{}, err
		}
		spec.Value = value
	}
	e := &entry{UUID: target.UUID, ProjectID: target.ProjectID, Spec: spec, UpdatedAt: time.Now().UTC()}
	d.entries[target.UUID] = e
	if err := d.flushLocked(); err != nil {
		return types.Resource{}, err
	}
	return e.toResource()
}

// Update implements driver.Driver. Changing the method or length of an AUTO
// password regenerates the value; MANUAL updates adopt the new value.
func (d *Driver) Update(ctx context.Context, target, prior types.Resource) (types.Resource, error) {
	spec, err := decodeSpec(target)
	if err != nil {
		return types.Resource{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.entries[target.UUID]
	if !ok {
		return d.createLocked(target, spec)
	}

	if spec.Method.IsAuto() {
		unchanged := existing.Spec.Method == spec.Method &&
			lengthOf(existing.Spec) == lengthOf(spec)
		if unchanged {
			return existing.toResource()
		}
		value, err := generate(spec.Method, spec.Length)
		if err != nil {
			return types.Resource{}, err
		}
		spec.Value = value
	}
	existing.Spec = spec
	existing.UpdatedAt = time.Now().UTC()
	if err := d.flushLocked(); err != nil {
		return types.Resource{}, err
	}
	return existing.toResource()
}

// Delete implements driver.Driver.
func (d *Driver) Delete(ctx context.Context, actual types.Resource) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.entries[actual.UUID]; !ok {
		return nil
	}
	delete(d.entries, actual.UUID)
	return d.flushLocked()
}

func (d *Driver) flushLocked() error {
	stored := make([]*entry, 0, len(d.entries))
	for _, e := range d.entries {
		stored = append(stored, e)
	}
	raw, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errdefs.Wrapf(errdefs.ErrTransient, err, "write password store")
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return errdefs.Wrapf(errdefs.ErrTransient, err, "write password store")
	}
	return nil
}

func (e *entry) toResource() (types.Resource, error) {
	res := types.Resource{
		UUID:       e.UUID,
		Kind:       types.KindPassword,
		ProjectID:  e.ProjectID,
		Status:     types.StatusActive,
		ObservedAt: e.UpdatedAt,
	}
	if err := res.EncodeSpec(e.Spec); err != nil {
		return types.Resource{}, err
	}
	return res, nil
}

func decodeSpec(target types.Resource) (types.PasswordSpec, error) {
	var spec types.PasswordSpec
	if err := target.DecodeSpec(&spec); err != nil {
		return spec, errdefs.Wrapf(errdefs.ErrValidation, err, "decode password spec")
	}
	switch spec.Method {
	case types.SecretAutoHex, types.SecretAutoURLSafe:
	case types.SecretManual:
		if spec.Value == "" {
			return spec, errdefs.Validationf("password %s: manual method requires a value", target.UUID)
		}
	default:
		return spec, errdefs.Validationf("password %s: unknown method %q", target.UUID, spec.Method)
	}
	return spec, nil
}

func lengthOf(spec types.PasswordSpec) int {
	if spec.Length > 0 {
		return spec.Length
	}
	return defaultLength
}

func generate(method types.SecretMethod, length int) (string, error) {
	if length <= 0 {
		length = defaultLength
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", errdefs.Wrapf(errdefs.ErrTransient, err, "generate password")
	}
	switch method {
	case types.SecretAutoHex:
		return hex.EncodeToString(buf)[:length], nil
	case types.SecretAutoURLSafe:
		return base64.RawURLEncoding.EncodeToString(buf)[:length], nil
	default:
		return "", errdefs.Validationf("method %q does not generate values", method)
	}
}
