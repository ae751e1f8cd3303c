package configfile

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/infraguys/genesis-core/pkg/driver"
	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/types"
)

const defaultMode = os.FileMode(0o644)

type entry struct {
	UUID      uuid.UUID        `json:"uuid"`
	ProjectID uuid.UUID        `json:"project_id"`
	Spec      types.ConfigSpec `json:"spec"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Driver realizes config targets as rendered files on the node filesystem.
// Template bodies are expanded locally; on_change actions are recorded in
// the spec but their execution belongs to host tooling, like unit lifecycle
// in the service driver.
type Driver struct {
	statePath string
	root      string

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

var _ driver.Driver = (*Driver)(nil)

// New loads the config driver state. Rendered paths are resolved under root,
// which is "/" in production and a scratch directory in tests.
func New(statePath, root string) (*Driver, error) {
	if err := os.MkdirAll(filepath.Dir(statePath), 0o700); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "create config state dir")
	}
	d := &Driver{statePath: statePath, root: root, entries: make(map[uuid.UUID]*entry)}

	raw, err := os.ReadFile(statePath)
	switch {
	case os.IsNotExist(err):
		return d, nil
	case err != nil:
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "read config state")
	}
	var stored []*entry
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "parse config state")
	}
	for _, e := range stored {
		d.entries[e.UUID] = e
	}
	return d, nil
}

// Kinds implements driver.Driver.
func (d *Driver) Kinds() []types.Kind {
	return []types.Kind{types.KindConfig}
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
		if _, err := os.Stat(d.resolve(e.Spec.Path)); os.IsNotExist(err) {
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
	return d.renderLocked(target, spec)
}

// Update implements driver.Driver.
func (d *Driver) Update(ctx context.Context, target, prior types.Resource) (types.Resource, error) {
	spec, err := decodeSpec(target)
	if err != nil {
		return types.Resource{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.entries[target.UUID]; ok && existing.Spec.Path != spec.Path {
		// Moved file: remove the old rendering first.
		if err := os.Remove(d.resolve(existing.Spec.Path)); err != nil && !os.IsNotExist(err) {
			return types.Resource{}, errdefs.Wrapf(errdefs.ErrTransient, err, "remove config %s", existing.Spec.Path)
		}
	}
	return d.renderLocked(target, spec)
}

// Delete implements driver.Driver.
func (d *Driver) Delete(ctx context.Context, actual types.Resource) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[actual.UUID]
	if !ok {
		return nil
	}
	if err := os.Remove(d.resolve(e.Spec.Path)); err != nil && !os.IsNotExist(err) {
		return errdefs.Wrapf(errdefs.ErrTransient, err, "remove config %s", e.Spec.Path)
	}
	delete(d.entries, actual.UUID)
	return d.flushLocked()
}

func (d *Driver) renderLocked(target types.Resource, spec types.ConfigSpec) (types.Resource, error) {
	content, err := renderBody(spec.Body)
	if err != nil {
		return types.Resource{}, err
	}

	dest := d.resolve(spec.Path)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return types.Resource{}, errdefs.Wrapf(errdefs.ErrTransient, err, "create config dir")
	}
	if err := os.WriteFile(dest, content, fileMode(spec.Mode)); err != nil {
		return types.Resource{}, errdefs.Wrapf(errdefs.ErrTransient, err, "write config %s", spec.Path)
	}

	e := &entry{
		UUID:      target.UUID,
		ProjectID: target.ProjectID,
		Spec:      spec,
		UpdatedAt: time.Now().UTC(),
	}
	d.entries[target.UUID] = e
	if err := d.flushLocked(); err != nil {
		return types.Resource{}, err
	}
	return e.toResource()
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
	tmp := d.statePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errdefs.Wrapf(errdefs.ErrTransient, err, "write config state")
	}
	if err := os.Rename(tmp, d.statePath); err != nil {
		return errdefs.Wrapf(errdefs.ErrTransient, err, "write config state")
	}
	return nil
}

func (d *Driver) resolve(path string) string {
	return filepath.Join(d.root, path)
}

func (e *entry) toResource() (types.Resource, error) {
	res := types.Resource{
		UUID:       e.UUID,
		Kind:       types.KindConfig,
		ProjectID:  e.ProjectID,
		Status:     types.StatusActive,
		ObservedAt: e.UpdatedAt,
	}
	if err := res.EncodeSpec(e.Spec); err != nil {
		return types.Resource{}, err
	}
	return res, nil
}

func renderBody(body types.ConfigBody) ([]byte, error) {
	switch body.Kind {
	case types.ConfigBodyText:
		return []byte(body.Content), nil
	case types.ConfigBodyTemplate:
		tmpl, err := template.New("config").Option("missingkey=error").Parse(body.Template)
		if err != nil {
			return nil, errdefs.Wrapf(errdefs.ErrValidation, err, "parse config template")
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, body.Variables); err != nil {
			return nil, errdefs.Wrapf(errdefs.ErrValidation, err, "expand config template")
		}
		return buf.Bytes(), nil
	default:
		return nil, errdefs.Validationf("unknown config body kind %q", body.Kind)
	}
}

func fileMode(mode string) os.FileMode {
	if mode == "" {
		return defaultMode
	}
	parsed, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return defaultMode
	}
	return os.FileMode(parsed)
}

func decodeSpec(target types.Resource) (types.ConfigSpec, error) {
	var spec types.ConfigSpec
	if err := target.DecodeSpec(&spec); err != nil {
		return spec, errdefs.Wrapf(errdefs.ErrValidation, err, "decode config spec")
	}
	if spec.Path == "" {
		return spec, errdefs.Validationf("config %s: path is required", target.UUID)
	}
	if err := spec.Body.Validate(); err != nil {
		return spec, errdefs.Wrapf(errdefs.ErrValidation, err, "config %s", target.UUID)
	}
	for _, a := range spec.OnChange {
		if err := a.Validate(); err != nil {
			return spec, errdefs.Wrapf(errdefs.ErrValidation, err, "config %s", target.UUID)
		}
	}
	return spec, nil
}
