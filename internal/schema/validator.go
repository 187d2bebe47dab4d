package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/swarmguard/taskgraph/internal/taskerr"
)

// compiledCache memoizes compiled validators keyed by the schema's
// canonical-JSON encoding, so repeated Validate calls against the same
// Schema value reuse the compiled form rather than recompiling every time.
var compiledCache = struct {
	mu    sync.Mutex
	byKey map[string]*jsonschema.Schema
}{byKey: make(map[string]*jsonschema.Schema)}

// ToJSONSchemaDocument lowers a Schema record into a JSON-Schema document
// (draft 2020-12 compatible subset) that santhosh-tekuri/jsonschema can
// compile.
func ToJSONSchemaDocument(s *Schema) map[string]any {
	props := make(map[string]any, len(s.Names))
	for _, n := range s.Names {
		props[n] = propertyToJSONSchema(s.Properties[n])
	}
	required := make([]string, 0, len(s.Required))
	for n := range s.Required {
		required = append(required, n)
	}
	sort.Strings(required)

	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func propertyToJSONSchema(p Property) map[string]any {
	out := map[string]any{"type": string(p.Type)}
	if p.Format != "" {
		out["format"] = string(p.Format)
	}
	if p.ContentEncoding != "" {
		out["contentEncoding"] = p.ContentEncoding
	}
	if p.MaxLength != nil {
		out["maxLength"] = *p.MaxLength
	}
	if p.Minimum != nil {
		out["minimum"] = *p.Minimum
	}
	if p.Maximum != nil {
		out["maximum"] = *p.Maximum
	}
	if p.MultipleOf != nil {
		out["multipleOf"] = *p.MultipleOf
	}
	if p.Items != nil {
		out["items"] = propertyToJSONSchema(*p.Items)
	}
	return out
}

// canonicalKey produces a stable cache key for a Schema by marshaling its
// lowered JSON-Schema document with sorted map keys (Go's encoding/json
// already sorts map keys on marshal, which is all canonicalJSON needs
// here).
func canonicalKey(s *Schema) (string, error) {
	doc := ToJSONSchemaDocument(s)
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func compile(s *Schema) (*jsonschema.Schema, string, error) {
	key, err := canonicalKey(s)
	if err != nil {
		return nil, "", err
	}

	compiledCache.mu.Lock()
	if cs, ok := compiledCache.byKey[key]; ok {
		compiledCache.mu.Unlock()
		return cs, key, nil
	}
	compiledCache.mu.Unlock()

	doc := ToJSONSchemaDocument(s)
	c := jsonschema.NewCompiler()
	const resourceURL = "mem://schema.json"
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, key, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(resourceURL)
	if err != nil {
		return nil, key, fmt.Errorf("compile schema: %w", err)
	}

	compiledCache.mu.Lock()
	compiledCache.byKey[key] = compiled
	compiledCache.mu.Unlock()

	return compiled, key, nil
}

// Validate checks record against schema, returning an *taskerr.InvalidInputError
// citing every offending path when validation fails.
func Validate(s *Schema, record map[string]any) error {
	compiled, _, err := compile(s)
	if err != nil {
		return err
	}

	if err := compiled.Validate(record); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return taskerr.NewInvalidInput(collectPaths(verr)...)
		}
		return taskerr.NewInvalidInput(err.Error())
	}
	return nil
}

// collectPaths flattens a jsonschema.ValidationError tree into a list of
// "<instance-location>: <message>" strings so every offending path is
// reported, not just the first.
func collectPaths(verr *jsonschema.ValidationError) []string {
	var paths []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		loc := "/" + joinPointer(e.InstanceLocation)
		paths = append(paths, fmt.Sprintf("%s: %v", loc, e.ErrorKind))
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	if len(paths) == 0 {
		paths = []string{verr.Error()}
	}
	return paths
}

func joinPointer(tokens []string) string {
	out := ""
	for i, t := range tokens {
		if i > 0 {
			out += "/"
		}
		out += t
	}
	return out
}
