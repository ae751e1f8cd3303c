package certificate

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/infraguys/genesis-core/pkg/driver"
	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/types"
)

const (
	certValidity = 90 * 24 * time.Hour
	// defaultThreshold is the renewal window in days before NotAfter.
	defaultThreshold = 30
	defaultKeyBits   = 2048
)

// Driver realizes certificate targets as self-signed bundles. Issued
// material is kept as PEM files under the store path, one pair per
// resource uuid, plus an index file with the spec each bundle was issued
// for. Certificates inside the renewal threshold are reissued on update.
type Driver struct {
	dir string

	mu    sync.Mutex
	index map[uuid.UUID]*types.CertificateBundle
	owner map[uuid.UUID]uuid.UUID
}

var _ driver.Driver = (*Driver)(nil)

type indexEntry struct {
	UUID      uuid.UUID               `json:"uuid"`
	ProjectID uuid.UUID               `json:"project_id"`
	Bundle    types.CertificateBundle `json:"bundle"`
}

// New loads the certificate store, creating the directory on first use.
func New(storePath string) (*Driver, error) {
	if err := os.MkdirAll(storePath, 0o700); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "create certificate store")
	}
	d := &Driver{
		dir:   storePath,
		index: make(map[uuid.UUID]*types.CertificateBundle),
		owner: make(map[uuid.UUID]uuid.UUID),
	}

	raw, err := os.ReadFile(d.indexPath())
	switch {
	case os.IsNotExist(err):
		return d, nil
	case err != nil:
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "read certificate index")
	}
	var entries []indexEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "parse certificate index")
	}
	for i := range entries {
		d.index[entries[i].UUID] = &entries[i].Bundle
		d.owner[entries[i].UUID] = entries[i].ProjectID
	}
	return d, nil
}

// Kinds implements driver.Driver.
func (d *Driver) Kinds() []types.Kind {
	return []types.Kind{types.KindCertificate}
}

// ListActual implements driver.Driver.
func (d *Driver) ListActual(ctx context.Context, project uuid.UUID) ([]types.Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []types.Resource
	for id, bundle := range d.index {
		if project != uuid.Nil && d.owner[id] != project {
			continue
		}
		res, err := toResource(id, d.owner[id], bundle)
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

	if existing, ok := d.index[target.UUID]; ok {
		return toResource(target.UUID, d.owner[target.UUID], existing)
	}
	return d.issueLocked(target, spec)
}

// Update implements driver.Driver. The certificate is reissued when the
// domains changed or the bundle entered its renewal window.
func (d *Driver) Update(ctx context.Context, target, prior types.Resource) (types.Resource, error) {
	spec, err := decodeSpec(target)
	if err != nil {
		return types.Resource{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.index[target.UUID]
	if !ok {
		return d.issueLocked(target, spec)
	}

	threshold := spec.ExpirationThreshold
	if threshold == 0 {
		threshold = defaultThreshold
	}
	if sameDomains(existing.Domains, spec.Domains) &&
		!existing.ExpiresWithin(time.Now().UTC(), threshold) {
		existing.CertificateSpec = spec
		if err := d.flushLocked(); err != nil {
			return types.Resource{}, err
		}
		return toResource(target.UUID, d.owner[target.UUID], existing)
	}
	return d.issueLocked(target, spec)
}

// Delete implements driver.Driver.
func (d *Driver) Delete(ctx context.Context, actual types.Resource) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[actual.UUID]; !ok {
		return nil
	}
	delete(d.index, actual.UUID)
	delete(d.owner, actual.UUID)
	for _, suffix := range []string{".crt", ".key"} {
		if err := os.Remove(d.pemPath(actual.UUID, suffix)); err != nil && !os.IsNotExist(err) {
			return errdefs.Wrapf(errdefs.ErrTransient, err, "remove certificate %s", actual.UUID)
		}
	}
	return d.flushLocked()
}

func (d *Driver) issueLocked(target types.Resource, spec types.CertificateSpec) (types.Resource, error) {
	bundle, err := selfSign(spec)
	if err != nil {
		return types.Resource{}, err
	}

	if err := os.WriteFile(d.pemPath(target.UUID, ".crt"), []byte(bundle.CertPEM), 0o644); err != nil {
		return types.Resource{}, errdefs.Wrapf(errdefs.ErrTransient, err, "write certificate")
	}
	if err := os.WriteFile(d.pemPath(target.UUID, ".key"), []byte(bundle.KeyPEM), 0o600); err != nil {
		return types.Resource{}, errdefs.Wrapf(errdefs.ErrTransient, err, "write key")
	}

	d.index[target.UUID] = bundle
	d.owner[target.UUID] = target.ProjectID
	if err := d.flushLocked(); err != nil {
		return types.Resource{}, err
	}
	return toResource(target.UUID, target.ProjectID, bundle)
}

func (d *Driver) flushLocked() error {
	entries := make([]indexEntry, 0, len(d.index))
	for id, bundle := range d.index {
		entries = append(entries, indexEntry{UUID: id, ProjectID: d.owner[id], Bundle: *bundle})
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := d.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errdefs.Wrapf(errdefs.ErrTransient, err, "write certificate index")
	}
	if err := os.Rename(tmp, d.indexPath()); err != nil {
		return errdefs.Wrapf(errdefs.ErrTransient, err, "write certificate index")
	}
	return nil
}

func (d *Driver) indexPath() string {
	return filepath.Join(d.dir, "index.json")
}

func (d *Driver) pemPath(id uuid.UUID, suffix string) string {
	return filepath.Join(d.dir, id.String()+suffix)
}

// selfSign issues a certificate for the spec's domains, first domain as CN.
func selfSign(spec types.CertificateSpec) (*types.CertificateBundle, error) {
	keyBits := spec.KeyBits
	if keyBits == 0 {
		keyBits = defaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrTransient, err, "generate key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrTransient, err, "generate serial")
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: spec.Domains[0],
		},
		DNSNames:              spec.Domains,
		NotBefore:             now,
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "issue certificate")
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	return &types.CertificateBundle{
		CertificateSpec: spec,
		CertPEM:         string(certPEM),
		KeyPEM:          string(keyPEM),
		NotAfter:        template.NotAfter,
	}, nil
}

func toResource(id, project uuid.UUID, bundle *types.CertificateBundle) (types.Resource, error) {
	res := types.Resource{
		UUID:       id,
		Kind:       types.KindCertificate,
		ProjectID:  project,
		Status:     types.StatusActive,
		ObservedAt: time.Now().UTC(),
	}
	if err := res.EncodeSpec(bundle); err != nil {
		return types.Resource{}, err
	}
	return res, nil
}

func decodeSpec(target types.Resource) (types.CertificateSpec, error) {
	var spec types.CertificateSpec
	if err := target.DecodeSpec(&spec); err != nil {
		return spec, errdefs.Wrapf(errdefs.ErrValidation, err, "decode certificate spec")
	}
	if len(spec.Domains) == 0 {
		return spec, errdefs.Validationf("certificate %s: at least one domain is required", target.UUID)
	}
	if spec.Method != types.CertSelfSigned {
		return spec, errdefs.Permanentf("certificate %s: method %q is not supported", target.UUID, spec.Method)
	}
	return spec, nil
}

func sameDomains(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
