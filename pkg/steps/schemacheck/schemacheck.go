// Package schemacheck validates item payloads against a JSON Schema and
// optionally fills in the schema's default values.
package schemacheck

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/step"
	"github.com/wehubfusion/Daedalus/pkg/steps/fields"
)

// Type is the registry name.
const Type = "schemacheck"

// What happens to an item that does not match.
const (
	OnInvalidFail = "fail"
	OnInvalidSkip = "skip"
	OnInvalidTag  = "tag"
)

// Settings of a schemacheck node.
type Settings struct {
	// Schema is an inline draft 2020-12 schema unless it names another
	// draft in "$schema".
	Schema map[string]any `json:"schema" validate:"required"`
	// Field validates a sub-document instead of the whole payload.
	Field         string `json:"field"`
	OnInvalid     string `json:"onInvalid" validate:"oneof=fail skip tag"`
	ApplyDefaults bool   `json:"applyDefaults"`
}

// Step implements step.Step.
type Step struct {
	step.BaseStep
	settings Settings
	schema   *jsonschema.Schema
	logger   *zap.Logger
}

// New is the registry factory.
func New(cfg step.Config) (step.Step, error) {
	s := Settings{OnInvalid: OnInvalidFail}
	if err := step.Decode(cfg.Settings, &s); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(s.Schema)
	if err != nil {
		return nil, fmt.Errorf("%w: schema: %v", perrors.ErrInvalidSettings, err)
	}
	url := cfg.NodeID + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("%w: schema: %v", perrors.ErrInvalidSettings, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: schema: %v", perrors.ErrInvalidSettings, err)
	}
	return &Step{BaseStep: step.NewBaseStep(cfg), settings: s, schema: compiled, logger: cfg.Logger}, nil
}

// Process implements step.Step.
func (s *Step) Process(_ context.Context, in step.Input) step.Output {
	it := in.Item

	var doc any = it.Data
	if s.settings.Field != "" {
		v, ok := fields.Get(it.Data, s.settings.Field)
		if !ok {
			v = nil
		}
		doc = v
	}
	if s.settings.ApplyDefaults {
		doc = applyDefaults(doc, s.settings.Schema)
		if s.settings.Field == "" {
			if m, ok := doc.(map[string]any); ok {
				it.Data = m
			}
		} else {
			data, err := fields.Set(it.Data, s.settings.Field, doc)
			if err != nil {
				return step.Failure(err)
			}
			it.Data = data
		}
	}

	// the validator understands JSON-decoded values only
	normalized, err := roundTrip(doc)
	if err != nil {
		return step.Failure(err)
	}
	err = s.schema.Validate(normalized)
	if err == nil {
		if s.settings.OnInvalid == OnInvalidTag {
			it.Metadata["schema_valid"] = "true"
		}
		return step.Success(it)
	}

	problems := Problems(err)
	switch s.settings.OnInvalid {
	case OnInvalidSkip:
		s.logger.Debug("item does not match schema",
			zap.String("item_id", it.Key()),
			zap.Strings("problems", problems))
		return step.Skip("schema: " + strings.Join(problems, "; "))
	case OnInvalidTag:
		it.Metadata["schema_valid"] = "false"
		it.Summary["schema_errors"] = problems
		return step.Success(it)
	}
	return step.Failure(fmt.Errorf("%w: %s", perrors.ErrValidation, strings.Join(problems, "; ")))
}

// Problems flattens a validation error to "location: message" lines,
// one per failing leaf keyword.
func Problems(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}

// applyDefaults fills missing object properties from their "default"
// keyword, descending into nested objects present in doc.
func applyDefaults(doc any, schema map[string]any) any {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return doc
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		if doc != nil {
			return doc
		}
		obj = map[string]any{}
	}
	for name, p := range props {
		ps, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if cur, exists := obj[name]; exists {
			if _, nested := cur.(map[string]any); nested {
				obj[name] = applyDefaults(cur, ps)
			}
			continue
		}
		if def, has := ps["default"]; has {
			obj[name] = def
		}
	}
	return obj
}

func roundTrip(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON compatible: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
