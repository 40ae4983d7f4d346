// Package textnorm normalises string fields: Unicode normalisation form,
// case mapping and whitespace trimming.
package textnorm

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/step"
	"github.com/wehubfusion/Daedalus/pkg/steps/fields"
)

// Type is the registry name.
const Type = "textnorm"

// Settings of a textnorm node.
type Settings struct {
	Fields []string `json:"fields" validate:"required,min=1,dive,required"`
	Form   string   `json:"form" validate:"oneof=NFC NFD NFKC NFKD none"`
	Case   string   `json:"case" validate:"omitempty,oneof=upper lower title fold"`
	// Language drives locale-specific case rules, e.g. "tr" or "nl".
	Language string `json:"language"`
	// CollapseSpace trims and folds runs of whitespace into one space.
	CollapseSpace bool `json:"collapseSpace"`
	// Strict fails items whose fields are missing or not strings.
	Strict bool `json:"strict"`
}

// Step implements step.Step.
type Step struct {
	step.BaseStep
	settings Settings
	form     *norm.Form
	caser    func() cases.Caser
}

// New is the registry factory.
func New(cfg step.Config) (step.Step, error) {
	s := Settings{Form: "NFC", Language: "und"}
	if err := step.Decode(cfg.Settings, &s); err != nil {
		return nil, err
	}
	tag, err := language.Parse(s.Language)
	if err != nil {
		return nil, fmt.Errorf("%w: language %q: %v", perrors.ErrInvalidSettings, s.Language, err)
	}

	st := &Step{BaseStep: step.NewBaseStep(cfg), settings: s}
	var f norm.Form
	switch s.Form {
	case "NFC":
		f = norm.NFC
	case "NFD":
		f = norm.NFD
	case "NFKC":
		f = norm.NFKC
	case "NFKD":
		f = norm.NFKD
	}
	if s.Form != "none" {
		st.form = &f
	}

	// a Caser is stateful, so each call gets its own
	switch s.Case {
	case "upper":
		st.caser = func() cases.Caser { return cases.Upper(tag) }
	case "lower":
		st.caser = func() cases.Caser { return cases.Lower(tag) }
	case "title":
		st.caser = func() cases.Caser { return cases.Title(tag) }
	case "fold":
		st.caser = func() cases.Caser { return cases.Fold() }
	}
	return st, nil
}

// Process implements step.Step.
func (s *Step) Process(ctx context.Context, in step.Input) step.Output {
	if err := ctx.Err(); err != nil {
		return step.Failure(err)
	}
	it := in.Item
	changed := 0
	for _, path := range s.settings.Fields {
		raw, ok := fields.Get(it.Data, path)
		if !ok {
			if s.settings.Strict {
				return step.Failure(fmt.Errorf("field %q not found", path))
			}
			continue
		}
		str, ok := raw.(string)
		if !ok {
			if s.settings.Strict {
				return step.Failure(fmt.Errorf("field %q is %T, not a string", path, raw))
			}
			continue
		}
		out := s.Normalize(str)
		if out == str {
			continue
		}
		data, err := fields.Set(it.Data, path, out)
		if err != nil {
			return step.Failure(err)
		}
		it.Data = data
		changed++
	}
	if it.Summary == nil {
		it.Summary = make(map[string]any)
	}
	it.Summary["textnorm_changed"] = changed
	return step.Success(it)
}

// Normalize applies the configured transformations to one string.
func (s *Step) Normalize(str string) string {
	if s.form != nil {
		str = s.form.String(str)
	}
	if s.caser != nil {
		str = s.caser().String(str)
	}
	if s.settings.CollapseSpace {
		str = strings.Join(strings.FieldsFunc(str, unicode.IsSpace), " ")
	}
	return str
}
