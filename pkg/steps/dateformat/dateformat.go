// Package dateformat reformats date fields between layouts and time zones.
package dateformat

import (
	"context"
	"fmt"
	"strings"
	"time"
	// zones must resolve in minimal images
	_ "time/tzdata"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/step"
	"github.com/wehubfusion/Daedalus/pkg/steps/fields"
)

// Type is the registry name.
const Type = "dateformat"

// Settings of a dateformat node.
type Settings struct {
	Fields []string `json:"fields" validate:"required,min=1,dive,required"`
	// Suffix writes the result to "<field><suffix>" instead of in place.
	Suffix      string `json:"suffix"`
	InFormat    string `json:"inFormat" validate:"required"`
	OutFormat   string `json:"outFormat" validate:"required"`
	InTimezone  string `json:"inTimezone"`
	OutTimezone string `json:"outTimezone"`
	DateStyle   string `json:"dateStyle" validate:"omitempty,oneof=YYYY_MM_DD DD_MM_YYYY MM_DD_YYYY YYYY_MM_DD_SLASH DD_MM_YYYY_SLASH MM_DD_YYYY_SLASH"`
	TimeStyle   string `json:"timeStyle" validate:"omitempty,oneof=24_HOUR 12_HOUR 24_HOUR_HM 12_HOUR_HM"`
	// Strict fails items whose fields are missing or empty.
	Strict bool `json:"strict"`
}

// Step implements step.Step.
type Step struct {
	step.BaseStep
	settings  Settings
	inLayout  string
	outLayout string
	inLoc     *time.Location
	outLoc    *time.Location
}

// New is the registry factory.
func New(cfg step.Config) (step.Step, error) {
	var s Settings
	if err := step.Decode(cfg.Settings, &s); err != nil {
		return nil, err
	}
	st := &Step{
		BaseStep:  step.NewBaseStep(cfg),
		settings:  s,
		inLayout:  layoutFor(s.InFormat, s.DateStyle, s.TimeStyle),
		outLayout: layoutFor(s.OutFormat, s.DateStyle, s.TimeStyle),
	}
	var err error
	if st.inLoc, err = location(s.InTimezone); err != nil {
		return nil, err
	}
	if st.outLoc, err = location(s.OutTimezone); err != nil {
		return nil, err
	}
	return st, nil
}

func location(name string) (*time.Location, error) {
	if name == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", perrors.ErrInvalidSettings, name, err)
	}
	return loc, nil
}

// Process implements step.Step.
func (s *Step) Process(_ context.Context, in step.Input) step.Output {
	it := in.Item
	for _, path := range s.settings.Fields {
		raw, ok := fields.Get(it.Data, path)
		if !ok || raw == nil || raw == "" {
			if s.settings.Strict {
				return step.Failure(fmt.Errorf("field %q is empty", path))
			}
			continue
		}
		t, err := s.parse(raw)
		if err != nil {
			return step.Failure(fmt.Errorf("field %q: %w", path, err))
		}
		data, err := fields.Set(it.Data, path+s.settings.Suffix, s.format(t))
		if err != nil {
			return step.Failure(err)
		}
		it.Data = data
	}
	return step.Success(it)
}

func (s *Step) parse(raw any) (time.Time, error) {
	switch s.settings.InFormat {
	case FormatUnix, FormatUnixMs:
		n, ok := raw.(float64)
		if !ok {
			if i, isInt := raw.(int); isInt {
				n, ok = float64(i), true
			}
		}
		if !ok {
			return time.Time{}, fmt.Errorf("expected a number, got %T", raw)
		}
		if s.settings.InFormat == FormatUnix {
			return time.Unix(int64(n), 0).UTC(), nil
		}
		return time.UnixMilli(int64(n)).UTC(), nil
	}

	str, ok := raw.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("expected a string, got %T", raw)
	}
	str = normalize(strings.TrimSpace(str), s.settings.InFormat)
	if s.inLoc != nil {
		return time.ParseInLocation(s.inLayout, str, s.inLoc)
	}
	return time.Parse(s.inLayout, str)
}

func (s *Step) format(t time.Time) any {
	if s.outLoc != nil {
		t = t.In(s.outLoc)
	}
	switch s.settings.OutFormat {
	case FormatUnix:
		return t.Unix()
	case FormatUnixMs:
		return t.UnixMilli()
	}
	return t.Format(s.outLayout)
}

// normalize completes partial DateTime values and expands compact
// YYYYMMDD dates.
func normalize(v, format string) string {
	switch format {
	case "DateTime":
		if len(v) == 10 && strings.Count(v, "-") == 2 {
			return v + " 00:00:00"
		}
		if len(v) == 16 && strings.Count(v, ":") == 1 {
			return v + ":00"
		}
	case "DateOnly":
		if len(v) == 8 && !strings.ContainsAny(v, "-/") {
			return v[:4] + "-" + v[4:6] + "-" + v[6:]
		}
	}
	return v
}
