package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchema constrains manual step payloads before they reach the
// write path.
const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["steps", "from", "to"],
  "additionalProperties": false,
  "properties": {
    "steps": {
      "type": "integer",
      "minimum": 1,
      "maximum": 4294967295
    },
    "from": {
      "type": "string",
      "format": "date-time"
    },
    "to": {
      "type": "string",
      "format": "date-time"
    }
  }
}`

var (
	compiledSchema     *jsonschema.Schema
	compileSchemaOnce  sync.Once
	compileSchemaError error
)

// stepPayload is a manual step entry dropped as a .json file.
type stepPayload struct {
	Steps uint32    `json:"steps"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
}

func schema() (*jsonschema.Schema, error) {
	compileSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("steps-payload.schema.json", strings.NewReader(payloadSchema)); err != nil {
			compileSchemaError = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, compileSchemaError = compiler.Compile("steps-payload.schema.json")
	})
	return compiledSchema, compileSchemaError
}

// importJSON ingests a manual step payload file.
func (im *Importer) importJSON(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	sch, err := schema()
	if err != nil {
		return fmt.Errorf("compile payload schema: %w", err)
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("validate payload: %w", err)
	}

	var payload stepPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if !payload.To.After(payload.From) {
		return fmt.Errorf("payload window is inverted or empty")
	}

	if err := im.writer.WriteExternal(ctx, payload.Steps, payload.From, payload.To); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}
