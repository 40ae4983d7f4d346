// Package all registers every built-in step.
package all

import (
	"github.com/wehubfusion/Daedalus/pkg/step"
	"github.com/wehubfusion/Daedalus/pkg/steps/dateformat"
	"github.com/wehubfusion/Daedalus/pkg/steps/passthrough"
	"github.com/wehubfusion/Daedalus/pkg/steps/rowsplit"
	"github.com/wehubfusion/Daedalus/pkg/steps/schemacheck"
	"github.com/wehubfusion/Daedalus/pkg/steps/script"
	"github.com/wehubfusion/Daedalus/pkg/steps/static"
	"github.com/wehubfusion/Daedalus/pkg/steps/textnorm"
)

// Register adds the built-in steps to r.
func Register(r *step.Registry) {
	r.Register(passthrough.Type, passthrough.New)
	r.Register(rowsplit.Type, rowsplit.New)
	r.Register(textnorm.Type, textnorm.New)
	r.Register(script.Type, script.New)
	r.Register(static.Type, static.New)
	r.Register(dateformat.Type, dateformat.New)
	r.Register(schemacheck.Type, schemacheck.New)
}

// NewRegistry creates a registry with all built-in steps registered.
func NewRegistry() *step.Registry {
	r := step.NewRegistry()
	Register(r)
	return r
}
