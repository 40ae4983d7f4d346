package step

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate
)

// Validator returns the shared validator used for step settings. Field
// names in errors follow the json tag.
func Validator() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})
		validateInst = v
	})
	return validateInst
}

// Decode populates out from a node's raw settings and validates it. out must
// be a pointer to a struct; fields already set on it act as defaults and are
// kept when the raw map omits them.
func Decode(raw map[string]any, out any) error {
	if raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", perrors.ErrInvalidSettings, err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: %v", perrors.ErrInvalidSettings, err)
		}
	}

	if err := Validator().Struct(out); err != nil {
		if ves, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(ves))
			for _, fe := range ves {
				msgs = append(msgs, fmt.Sprintf("%s failed validation for tag '%s'", fieldName(fe), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", perrors.ErrInvalidSettings, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", perrors.ErrInvalidSettings, err)
	}
	return nil
}

func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
