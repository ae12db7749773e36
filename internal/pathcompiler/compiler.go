// Package pathcompiler wraps the gofhir FHIRPath engine behind the narrow
// PathCompiler capability the rest of the server depends on, so that no
// other package imports github.com/robertoaraneda/gofhir/pkg/fhirpath
// directly. Compiled expressions are cached in a concurrent map keyed by
// the raw expression text, matching the caching strategy the design notes
// call for.
package pathcompiler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robertoaraneda/gofhir/pkg/fhirpath"
)

// ResolverAdapter adapts a plain function into fhirpath.ReferenceResolver so
// callers never need to import the gofhir package themselves.
type ResolverAdapter func(ctx context.Context, reference string) ([]byte, error)

// Resolve implements fhirpath.ReferenceResolver.
func (r ResolverAdapter) Resolve(ctx context.Context, reference string) ([]byte, error) {
	return r(ctx, reference)
}

// Compiler compiles and evaluates FHIRPath expressions against serialized
// FHIR resources, caching compiled expressions by source text.
type Compiler struct {
	cache sync.Map // string -> *fhirpath.Expression
}

// New returns a ready-to-use Compiler.
func New() *Compiler {
	return &Compiler{}
}

// compile returns the cached compiled expression for expr, compiling and
// storing it on first use.
func (c *Compiler) compile(expr string) (*fhirpath.Expression, error) {
	if v, ok := c.cache.Load(expr); ok {
		return v.(*fhirpath.Expression), nil
	}
	compiled, err := fhirpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile fhirpath %q: %w", expr, err)
	}
	actual, _ := c.cache.LoadOrStore(expr, compiled)
	return actual.(*fhirpath.Expression), nil
}

// Eval evaluates expr against resourceJSON and returns the resulting
// collection. vars are bound as FHIRPath external variables (%name);
// resolver, if non-nil, backs the resolve() function.
func (c *Compiler) Eval(resourceJSON []byte, expr string, vars map[string]fhirpath.Collection, resolver fhirpath.ReferenceResolver) (fhirpath.Collection, error) {
	compiled, err := c.compile(expr)
	if err != nil {
		return nil, err
	}
	opts := make([]fhirpath.EvalOption, 0, len(vars)+1)
	for name, val := range vars {
		opts = append(opts, fhirpath.WithVariable(name, val))
	}
	if resolver != nil {
		opts = append(opts, fhirpath.WithResolver(resolver))
	}
	return compiled.EvaluateWithOptions(resourceJSON, opts...)
}

// EvalBoolean evaluates expr and coerces the result to a boolean using
// FHIRPath's singleton-collection-to-boolean rule: empty is false, a
// single Boolean is its value, anything else is an error.
func (c *Compiler) EvalBoolean(resourceJSON []byte, expr string, vars map[string]fhirpath.Collection) (bool, error) {
	result, err := c.Eval(resourceJSON, expr, vars, nil)
	if err != nil {
		return false, err
	}
	if result.Empty() {
		return false, nil
	}
	if b, ok := result[0].(interface{ Bool() bool }); ok {
		return b.Bool(), nil
	}
	return false, fmt.Errorf("fhirpath expression %q did not evaluate to a boolean", expr)
}
