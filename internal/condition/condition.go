// Package condition implements the Condition Gate (I): per-task routing
// predicates evaluated against Open Policy Agent rego policies. This
// completes the teacher's own stubbed evaluateCondition (dag_engine.go: "//
// TODO: Implement full expression evaluation... return true") with a real
// evaluation, adapted from services/policy-service/opa_engine.go.
package condition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/swarmguard/taskgraph/internal/taskerr"
)

// Gate loads .rego policy files from a directory and evaluates compiled,
// prepared queries against a task's resolved input.
type Gate struct {
	mu              sync.RWMutex
	preparedQueries map[string]*rego.PreparedEvalQuery
	policyDir       string
}

// NewGate constructs a Gate rooted at policyDir; call LoadPolicies before
// the first Evaluate.
func NewGate(policyDir string) *Gate {
	return &Gate{
		preparedQueries: make(map[string]*rego.PreparedEvalQuery),
		policyDir:       policyDir,
	}
}

// LoadPolicies discovers and compiles every *.rego file under policyDir,
// preparing one query per package at decision path data.<package>.allow.
func (g *Gate) LoadPolicies(ctx context.Context) error {
	files, err := filepath.Glob(filepath.Join(g.policyDir, "*.rego"))
	if err != nil {
		return taskerr.NewWorkflowError("condition: glob policies: %v", err)
	}
	if len(files) == 0 {
		return nil // no policies declared; every condition-gated task is denied until policies are added
	}

	modules := make(map[string]*ast.Module, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return taskerr.NewWorkflowError("condition: read %s: %v", file, err)
		}
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return taskerr.NewWorkflowError("condition: parse %s: %v", file, err)
		}
		modules[file] = module
	}

	compiler := ast.NewCompiler()
	compiler.Compile(modules)
	if compiler.Failed() {
		return taskerr.NewWorkflowError("condition: compile failed: %v", compiler.Errors)
	}

	packages := make(map[string]bool)
	for _, module := range modules {
		packages[module.Package.Path.String()] = true
	}

	newQueries := make(map[string]*rego.PreparedEvalQuery, len(packages))
	for pkg := range packages {
		query := fmt.Sprintf("data.%s.allow", pkg)
		prepared, err := rego.New(
			rego.Query(query),
			rego.Compiler(compiler),
		).PrepareForEval(ctx)
		if err != nil {
			return taskerr.NewWorkflowError("condition: prepare %s: %v", pkg, err)
		}
		newQueries[pkg] = &prepared
	}

	g.mu.Lock()
	g.preparedQueries = newQueries
	g.mu.Unlock()
	return nil
}

// Evaluate runs packageName's prepared "allow" query against input,
// returning the decision. A task whose declared condition has no loaded
// policy is denied (fails closed) rather than defaulting to true, unlike
// the teacher's unconditional stub.
func (g *Gate) Evaluate(ctx context.Context, packageName string, input map[string]any) (bool, error) {
	g.mu.RLock()
	prepared, ok := g.preparedQueries[packageName]
	g.mu.RUnlock()
	if !ok {
		return false, taskerr.NewWorkflowError("condition: no policy loaded for package %q", packageName)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, taskerr.NewWorkflowError("condition: eval failed: %v", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	decision, _ := results[0].Expressions[0].Value.(bool)
	return decision, nil
}

// IsReady reports whether at least one policy package has been loaded.
func (g *Gate) IsReady() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.preparedQueries) > 0
}
