package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// definitionSchema is the structural contract of a serialized graph.
// Semantic checks (unknown references, cycles) happen in Compile.
const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "description": {"type": "string"},
    "start": {"type": "array", "items": {"type": "string"}},
    "vars": {"type": "object", "additionalProperties": {"type": "string"}},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "category": {"enum": ["input", "transform", "analysis", "output", "batch-control", "pipeline-control"]},
          "settings": {"type": "object"},
          "graph": {"type": "string"},
          "merge": {"enum": ["concat", "dedup", "combine"]},
          "batchSize": {"type": "integer", "minimum": 1},
          "waitTimeout": {"type": ["string", "integer"]},
          "pageSize": {"type": "integer", "minimum": 1},
          "policy": {
            "type": "object",
            "properties": {
              "parallelism": {"type": "integer", "minimum": 1},
              "itemTimeout": {"type": ["string", "integer"]},
              "stepTimeout": {"type": ["string", "integer"]},
              "continueOnError": {"type": "boolean"},
              "preserveOrder": {"type": "boolean"},
              "retry": {
                "type": "object",
                "properties": {
                  "strategy": {"enum": ["fixed", "exponential"]},
                  "maxAttempts": {"type": "integer", "minimum": 0}
                }
              }
            }
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "kind": {"enum": ["sequential", "fan-out", "fan-in"]},
          "condition": {
            "type": "object",
            "properties": {
              "expression": {"type": "string"},
              "logic": {"enum": ["and", "or"]},
              "func": {"type": "string"},
              "rules": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["field", "operator"]
                }
              }
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft7
		if err := compiler.AddResource("graph.json", strings.NewReader(definitionSchema)); err != nil {
			schemaErr = fmt.Errorf("failed to add graph schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("graph.json")
	})
	return schema, schemaErr
}

// ParseJSON decodes and structurally validates a JSON graph definition.
func ParseJSON(data []byte) (*Definition, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("graph definition is not valid JSON: %w", err)
	}

	s, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("graph definition does not match schema: %w", err)
	}

	var def Definition
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to decode graph definition: %w", err)
	}
	return &def, nil
}

// ParseYAML decodes a YAML graph definition. The document is converted to
// JSON first so both formats share one schema and one set of decoders.
func ParseYAML(data []byte) (*Definition, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("graph definition is not valid YAML: %w", err)
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("graph definition cannot be represented as JSON: %w", err)
	}
	return ParseJSON(js)
}

// LoadFile reads a definition, choosing the decoder by extension.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

// LoadDir loads every .json, .yaml and .yml file in dir, keyed by graph id.
func LoadDir(dir string) (map[string]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	defs := make(map[string]*Definition)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}
		def, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		if _, dup := defs[def.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate graph id %q", e.Name(), def.ID)
		}
		defs[def.ID] = def
	}
	return defs, nil
}
