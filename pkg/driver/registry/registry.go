// Package registry maps driver names to constructors. The set of drivers is
// closed at compile time; configuration selects which of them an agent runs.
package registry

import (
	"github.com/infraguys/genesis-core/pkg/config"
	"github.com/infraguys/genesis-core/pkg/driver"
	"github.com/infraguys/genesis-core/pkg/driver/certificate"
	"github.com/infraguys/genesis-core/pkg/driver/compute"
	"github.com/infraguys/genesis-core/pkg/driver/configfile"
	"github.com/infraguys/genesis-core/pkg/driver/password"
	"github.com/infraguys/genesis-core/pkg/driver/service"
	"github.com/infraguys/genesis-core/pkg/errdefs"
)

// Names returns every driver name the binary knows about.
func Names() []string {
	return []string{
		driver.NameCoreCompute,
		driver.NamePassword,
		driver.NameCertificate,
		driver.NameCoreService,
		driver.NameCoreConfig,
	}
}

// New constructs the named driver from its configuration block.
func New(name string, cfg config.Drivers) (driver.Driver, error) {
	switch name {
	case driver.NameCoreCompute:
		return compute.New(cfg.CoreCompute.StatePath)
	case driver.NamePassword:
		return password.New(cfg.Password.StorePath)
	case driver.NameCertificate:
		return certificate.New(cfg.Certificate.StorePath)
	case driver.NameCoreService:
		return service.New(cfg.Service.UnitPath)
	case driver.NameCoreConfig:
		return configfile.New(cfg.CoreConfig.StatePath, cfg.CoreConfig.RootPath)
	default:
		return nil, errdefs.Validationf("unknown driver %q", name)
	}
}

// Build constructs every configured driver, in configuration order.
func Build(names []string, cfg config.Drivers) ([]driver.Driver, error) {
	seen := make(map[string]bool, len(names))
	out := make([]driver.Driver, 0, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, errdefs.Validationf("driver %q configured twice", name)
		}
		seen[name] = true
		d, err := New(name, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
