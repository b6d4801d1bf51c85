package ledger

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	schemaAuthority = "authority_event"
	schemaMetering  = "metering_event"
)

// compileSchemas loads and compiles the embedded event schemas. Amounts in
// metering payloads are decimal strings; their pattern admits no sign, so
// non-negativity is enforced by the schema itself.
func compileSchemas() (map[string]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true

	compiled := make(map[string]*jsonschema.Schema, 2)
	for _, name := range []string{schemaAuthority, schemaMetering} {
		raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("read embedded schema %s: %w", name, err)
		}
		url := fmt.Sprintf("https://caracal.schemas.local/ledger/%s.schema.json", name)
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("load schema %s: %w", name, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		compiled[name] = s
	}
	return compiled, nil
}
