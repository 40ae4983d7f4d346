// Package passthrough forwards items unchanged, optionally stamping fields
// and metadata on the way.
package passthrough

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/step"
	"github.com/wehubfusion/Daedalus/pkg/steps/fields"
)

// Type is the registry name.
const Type = "passthrough"

// Settings of a passthrough node.
type Settings struct {
	// Set assigns values to payload paths.
	Set map[string]any `json:"set"`
	// Delete removes payload paths.
	Delete []string `json:"delete" validate:"dive,required"`
	// Metadata is merged into the item metadata.
	Metadata map[string]string `json:"metadata"`
}

// Step implements step.Step.
type Step struct {
	step.BaseStep
	settings Settings
}

// New is the registry factory.
func New(cfg step.Config) (step.Step, error) {
	var s Settings
	if err := step.Decode(cfg.Settings, &s); err != nil {
		return nil, err
	}
	return &Step{BaseStep: step.NewBaseStep(cfg), settings: s}, nil
}

// Process implements step.Step.
func (s *Step) Process(ctx context.Context, in step.Input) step.Output {
	if err := ctx.Err(); err != nil {
		return step.Failure(err)
	}
	it := in.Item
	data := it.Data
	var err error
	for path, v := range s.settings.Set {
		if data, err = fields.Set(data, path, v); err != nil {
			return step.Failure(err)
		}
	}
	for _, path := range s.settings.Delete {
		if data, err = fields.Delete(data, path); err != nil {
			return step.Failure(err)
		}
	}
	it.Data = data
	if len(s.settings.Metadata) > 0 && it.Metadata == nil {
		it.Metadata = make(map[string]string, len(s.settings.Metadata))
	}
	for k, v := range s.settings.Metadata {
		it.Metadata[k] = v
	}
	return step.Success(it)
}
