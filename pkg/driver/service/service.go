package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/infraguys/genesis-core/pkg/driver"
	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/types"
)

const indexFile = "genesis-services.json"

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description={{ .Description }}

[Service]
Type={{ .Type }}
User={{ .User }}
Group={{ .Group }}
{{- range .Pre }}
ExecStartPre={{ . }}
{{- end }}
ExecStart={{ .Exec }}
{{- range .Post }}
ExecStartPost={{ . }}
{{- end }}
{{- if .Restart }}
Restart=on-failure
{{- end }}

[Install]
WantedBy=multi-user.target
`))

type unitData struct {
	Description string
	Type        string
	User        string
	Group       string
	Exec        string
	Pre         []string
	Post        []string
	Restart     bool
}

type entry struct {
	UUID      uuid.UUID             `json:"uuid"`
	ProjectID uuid.UUID             `json:"project_id"`
	Unit      string                `json:"unit"`
	Spec      types.ServiceNodeSpec `json:"spec"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Driver realizes service node targets as systemd unit files under the
// configured unit directory. Unit lifecycle commands (daemon-reload, start,
// stop) are delegated to systemd by the host; the driver's contract is the
// unit file content.
type Driver struct {
	dir string

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

var _ driver.Driver = (*Driver)(nil)

// New loads the service driver index from the unit directory.
func New(unitPath string) (*Driver, error) {
	if err := os.MkdirAll(unitPath, 0o755); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "create unit dir")
	}
	d := &Driver{dir: unitPath, entries: make(map[uuid.UUID]*entry)}

	raw, err := os.ReadFile(filepath.Join(unitPath, indexFile))
	switch {
	case os.IsNotExist(err):
		return d, nil
	case err != nil:
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "read service index")
	}
	var stored []*entry
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "parse service index")
	}
	for _, e := range stored {
		d.entries[e.UUID] = e
	}
	return d, nil
}

// Kinds implements driver.Driver.
func (d *Driver) Kinds() []types.Kind {
	return []types.Kind{types.KindServiceNode}
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
		// A unit file removed behind our back is no longer actual.
		if _, err := os.Stat(filepath.Join(d.dir, e.Unit)); os.IsNotExist(err) {
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

	if existing, ok := d.entries[target.UUID]; ok && existing.Unit != unitName(target.UUID, spec.Name) {
		// Renamed service: drop the old unit before writing the new one.
		if err := d.removeUnitLocked(existing.Unit); err != nil {
			return types.Resource{}, err
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
	if err := d.removeUnitLocked(e.Unit); err != nil {
		return err
	}
	delete(d.entries, actual.UUID)
	return d.flushLocked()
}

func (d *Driver) renderLocked(target types.Resource, spec types.ServiceNodeSpec) (types.Resource, error) {
	unit := unitName(target.UUID, spec.Name)
	content, err := render(unit, spec)
	if err != nil {
		return types.Resource{}, err
	}
	if err := os.WriteFile(filepath.Join(d.dir, unit), content, 0o644); err != nil {
		return types.Resource{}, errdefs.Wrapf(errdefs.ErrTransient, err, "write unit %s", unit)
	}

	e := &entry{
		UUID:      target.UUID,
		ProjectID: target.ProjectID,
		Unit:      unit,
		Spec:      spec,
		UpdatedAt: time.Now().UTC(),
	}
	d.entries[target.UUID] = e
	if err := d.flushLocked(); err != nil {
		return types.Resource{}, err
	}
	return e.toResource()
}

func (d *Driver) removeUnitLocked(unit string) error {
	if err := os.Remove(filepath.Join(d.dir, unit)); err != nil && !os.IsNotExist(err) {
		return errdefs.Wrapf(errdefs.ErrTransient, err, "remove unit %s", unit)
	}
	return nil
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
	path := filepath.Join(d.dir, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errdefs.Wrapf(errdefs.ErrTransient, err, "write service index")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errdefs.Wrapf(errdefs.ErrTransient, err, "write service index")
	}
	return nil
}

func (e *entry) toResource() (types.Resource, error) {
	res := types.Resource{
		UUID:       e.UUID,
		Kind:       types.KindServiceNode,
		ProjectID:  e.ProjectID,
		Status:     types.StatusActive,
		ObservedAt: e.UpdatedAt,
	}
	if err := res.EncodeSpec(e.Spec); err != nil {
		return types.Resource{}, err
	}
	return res, nil
}

// unitName derives a stable unit file name. The uuid suffix keeps two
// services with the same display name from clobbering each other.
func unitName(id uuid.UUID, name string) string {
	return fmt.Sprintf("genesis-%s-%s.service", sanitize(name), id.String()[:8])
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

func render(unit string, spec types.ServiceNodeSpec) ([]byte, error) {
	data := unitData{
		Description: fmt.Sprintf("Genesis service %s", spec.Name),
		Type:        "simple",
		User:        spec.User,
		Group:       spec.Group,
		Exec:        spec.Path,
		Restart:     !spec.Type.IsOneshot(),
	}
	if spec.Type.IsOneshot() {
		data.Type = "oneshot"
	}
	for _, h := range spec.Before {
		data.Pre = append(data.Pre, h.Command)
	}
	for _, h := range spec.After {
		data.Post = append(data.Post, h.Command)
	}

	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, data); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "render unit %s", unit)
	}
	return buf.Bytes(), nil
}

func decodeSpec(target types.Resource) (types.ServiceNodeSpec, error) {
	var spec types.ServiceNodeSpec
	if err := target.DecodeSpec(&spec); err != nil {
		return spec, errdefs.Wrapf(errdefs.ErrValidation, err, "decode service spec")
	}
	if spec.Name == "" || spec.Path == "" {
		return spec, errdefs.Validationf("service %s: name and path are required", target.UUID)
	}
	for _, h := range append(append([]types.Hook{}, spec.Before...), spec.After...) {
		if err := h.Validate(); err != nil {
			return spec, errdefs.Wrapf(errdefs.ErrValidation, err, "service %s", target.UUID)
		}
		if h.Kind == types.HookService {
			return spec, errdefs.Validationf("service %s: service hooks are not supported", target.UUID)
		}
	}
	return spec, nil
}
