package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema generated from Config's Go struct tags,
// exposed by the CLI's "swarmd config schema" subcommand so operators can
// validate a config file (or drive editor autocomplete) without consulting
// documentation by hand.
//
// The struct is reflected once, tagged on the yaml field names rather than
// json, and the marshaled result is cached.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{FieldNameTag: "yaml"}
		schema := r.Reflect(&Config{})
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}
