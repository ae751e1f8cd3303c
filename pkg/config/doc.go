// Package config resolves the configuration of both Genesis Core binaries.
//
// Sources are merged in priority order: struct defaults, then the YAML file
// given by --config-file, then YAML fragments from --config-dir in lexical
// order, then GC__* environment variables (double underscore nests keys, so
// GC__DB__CONNECTION_URL sets db.connection_url). The resolved tree is
// unmarshaled into typed structs and validated before any component starts;
// components receive their sub-structs explicitly through constructors.
package config
