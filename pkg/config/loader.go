package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the environment variable namespace. Double underscore nests:
// GC__DB__CONNECTION_URL -> db.connection_url.
const EnvPrefix = "GC"

// Loader merges configuration from struct defaults, an optional YAML file,
// an optional directory of YAML fragments and the environment.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
}

// Validator can be implemented by config structs to enable validation.
type Validator interface {
	Validate() error
}

// NewLoader creates a configuration loader with the GC env namespace.
func NewLoader() *Loader {
	return &Loader{
		k:         koanf.New("."),
		envPrefix: EnvPrefix + "__",
	}
}

// Load merges sources with the following priority (highest wins):
//
//  1. Environment variables
//  2. YAML fragments from configDir, merged in lexical order
//  3. The YAML file at configPath
//  4. Struct defaults
//
// A non-empty configPath must exist; a non-empty configDir must be a
// directory, though it may be empty.
func (l *Loader) Load(defaults any, configPath, configDir string) error {
	if defaults != nil {
		if err := l.k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
			return fmt.Errorf("failed to load defaults: %w", err)
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config file not found: %s", configPath)
		}
		if err := l.k.Load(file.Provider(configPath), koanfyaml.Parser()); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if configDir != "" {
		fragments, err := yamlFragments(configDir)
		if err != nil {
			return err
		}
		for _, fragment := range fragments {
			if err := l.k.Load(file.Provider(fragment), koanfyaml.Parser()); err != nil {
				return fmt.Errorf("failed to load config fragment %s: %w", fragment, err)
			}
		}
	}

	envProvider := env.Provider(l.envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, l.envPrefix))
		return strings.ReplaceAll(key, "__", ".")
	})
	if err := l.k.Load(envProvider, nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}

	return nil
}

// Unmarshal unmarshals the subtree at path into out.
func (l *Loader) Unmarshal(path string, out any) error {
	return l.k.Unmarshal(path, out)
}

// UnmarshalAndValidate unmarshals the subtree at path and, when out
// implements Validator, validates it.
func (l *Loader) UnmarshalAndValidate(path string, out any) error {
	if err := l.k.Unmarshal(path, out); err != nil {
		return err
	}
	if v, ok := out.(Validator); ok {
		return v.Validate()
	}
	return nil
}

func yamlFragments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config dir not readable: %w", err)
	}
	var fragments []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".yaml" || ext == ".yml" {
			fragments = append(fragments, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(fragments)
	return fragments, nil
}
