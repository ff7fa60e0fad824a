// Package query compiles the parsed request AST into backend queries,
// using the feature type's schema graph to resolve paths and types.
package query

import (
	"github.com/mapgrid/wfserver/internal/ows"
	"github.com/mapgrid/wfserver/internal/schema"
)

// FunctionDef registers one filter function: the FES name, the argument
// signature checked at compile time, and the datastore function it maps to.
type FunctionDef struct {
	Name      string
	Args      []schema.XsdType
	Returns   schema.XsdType
	BackendFn string
}

// FunctionRegistry holds the filter functions advertised in the
// capabilities document. Populated at bootstrap, read-only afterwards.
type FunctionRegistry struct {
	defs  map[string]FunctionDef
	order []string
}

// NewFunctionRegistry builds a registry with the built-in functions.
func NewFunctionRegistry() *FunctionRegistry {
	r := &FunctionRegistry{defs: map[string]FunctionDef{}}
	double := schema.XsDouble
	str := schema.XsString
	integer := schema.XsInteger

	r.Register(FunctionDef{Name: "abs", Args: []schema.XsdType{double}, Returns: double, BackendFn: "abs"})
	r.Register(FunctionDef{Name: "ceil", Args: []schema.XsdType{double}, Returns: double, BackendFn: "ceil"})
	r.Register(FunctionDef{Name: "floor", Args: []schema.XsdType{double}, Returns: double, BackendFn: "floor"})
	r.Register(FunctionDef{Name: "round", Args: []schema.XsdType{double}, Returns: double, BackendFn: "round"})
	r.Register(FunctionDef{Name: "min", Args: []schema.XsdType{double, double}, Returns: double, BackendFn: "least"})
	r.Register(FunctionDef{Name: "max", Args: []schema.XsdType{double, double}, Returns: double, BackendFn: "greatest"})
	r.Register(FunctionDef{Name: "strLength", Args: []schema.XsdType{str}, Returns: integer, BackendFn: "length"})
	r.Register(FunctionDef{Name: "strToLowerCase", Args: []schema.XsdType{str}, Returns: str, BackendFn: "lower"})
	r.Register(FunctionDef{Name: "strToUpperCase", Args: []schema.XsdType{str}, Returns: str, BackendFn: "upper"})
	r.Register(FunctionDef{Name: "strTrim", Args: []schema.XsdType{str}, Returns: str, BackendFn: "btrim"})
	r.Register(FunctionDef{Name: "strConcat", Args: []schema.XsdType{str, str}, Returns: str, BackendFn: "concat"})
	r.Register(FunctionDef{Name: "strSubstring", Args: []schema.XsdType{str, integer, integer}, Returns: str, BackendFn: "substr"})
	return r
}

// Register adds a function. Bootstrap only.
func (r *FunctionRegistry) Register(def FunctionDef) {
	if _, exists := r.defs[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.defs[def.Name] = def
}

// Resolve checks a function call's name and arity.
func (r *FunctionRegistry) Resolve(name string, argc int) (FunctionDef, error) {
	def, ok := r.defs[name]
	if !ok {
		return FunctionDef{}, ows.NewInvalidParameterValue("filter",
			"unknown function %q", name)
	}
	if argc != len(def.Args) {
		return FunctionDef{}, ows.NewInvalidParameterValue("filter",
			"function %q takes %d arguments, got %d", name, len(def.Args), argc)
	}
	return def, nil
}

// All lists the registered functions in registration order.
func (r *FunctionRegistry) All() []FunctionDef {
	out := make([]FunctionDef, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}
