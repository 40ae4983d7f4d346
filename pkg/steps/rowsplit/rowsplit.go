// Package rowsplit turns an array field of an item into one derived item
// per element. Derived items share the canonical and source ids of their
// parent and get a fresh unique id.
package rowsplit

import (
	"context"
	"fmt"
	"maps"
	"strconv"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/step"
	"github.com/wehubfusion/Daedalus/pkg/steps/fields"
)

// Type is the registry name.
const Type = "rowsplit"

// Settings of a rowsplit node.
type Settings struct {
	// Field is the path of the array to split.
	Field string `json:"field" validate:"required"`
	// Target is where each element is stored on the derived item.
	Target string `json:"target" validate:"required"`
	// KeepSource keeps the whole array on every derived item.
	KeepSource bool `json:"keepSource"`
	// AllowMissing forwards items without the field unchanged instead of
	// failing them.
	AllowMissing bool `json:"allowMissing"`
}

// Step implements step.Step.
type Step struct {
	step.BaseStep
	settings Settings
	logger   *zap.Logger
}

// New is the registry factory.
func New(cfg step.Config) (step.Step, error) {
	s := Settings{Target: "row"}
	if err := step.Decode(cfg.Settings, &s); err != nil {
		return nil, err
	}
	return &Step{BaseStep: step.NewBaseStep(cfg), settings: s, logger: cfg.Logger}, nil
}

// Process implements step.Step.
func (s *Step) Process(ctx context.Context, in step.Input) step.Output {
	it := in.Item
	raw, ok := fields.Get(it.Data, s.settings.Field)
	if !ok {
		if s.settings.AllowMissing {
			return step.Success(it)
		}
		return step.Failure(fmt.Errorf("field %q not found", s.settings.Field))
	}
	rows, ok := raw.([]any)
	if !ok {
		return step.Failure(fmt.Errorf("field %q is %T, not an array", s.settings.Field, raw))
	}

	base := it.Data
	if !s.settings.KeepSource {
		var err error
		if base, err = fields.Delete(maps.Clone(it.Data), s.settings.Field); err != nil {
			return step.Failure(err)
		}
	}

	out := make([]*item.Item, 0, len(rows))
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return step.Failure(err)
		}
		data, err := fields.Set(maps.Clone(base), s.settings.Target, row)
		if err != nil {
			return step.Failure(err)
		}
		d := it.Derive(data)
		if d.Metadata == nil {
			d.Metadata = make(map[string]string, 2)
		}
		d.Metadata["row_index"] = strconv.Itoa(i)
		d.Metadata["row_count"] = strconv.Itoa(len(rows))
		out = append(out, d)
	}
	s.logger.Debug("split item",
		zap.String("item_id", it.Key()),
		zap.Int("rows", len(out)))
	return step.Success(out...)
}
