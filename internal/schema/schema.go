// Package schema implements the Schema & Validator component: record shape
// description, primary-key/value projection, JSON-Schema-compatible
// validation, nullable-union simplification and default extraction.
package schema

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/swarmguard/taskgraph/internal/taskerr"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is a legal property or table name:
// it must match ^[A-Za-z][A-Za-z0-9_]*$.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// Type enumerates the property type descriptors the spec recognizes.
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
	TypeObject  Type = "object"
	TypeArray   Type = "array"
)

// Format enumerates the recognized string formats.
type Format string

const (
	FormatDateTime Format = "date-time"
	FormatDate     Format = "date"
	FormatUUID     Format = "uuid"
	FormatEmail    Format = "email"
	FormatURI      Format = "uri"
	FormatBinary   Format = "binary"
)

// Property describes one field of a record.
type Property struct {
	Type            Type
	Format          Format  `json:",omitempty"`
	ContentEncoding string  `json:",omitempty"` // "blob" marks a binary/blob-valued field
	MaxLength       *int    `json:",omitempty"`
	Minimum         *float64 `json:",omitempty"`
	Maximum         *float64 `json:",omitempty"`
	MultipleOf      *float64 `json:",omitempty"`
	Default         any     `json:",omitempty"`
	Items           *Property `json:",omitempty"` // element type, when Type == array
}

// Schema is an ordered description of a record: property name to type
// descriptor, plus the set of required property names. Property order is
// kept (rather than relying on map iteration) so generated SQL DDL and
// JSON-Schema documents are deterministic.
type Schema struct {
	Names      []string
	Properties map[string]Property
	Required   map[string]bool
}

// New builds a Schema, preserving declaration order of names.
func New(order []string, properties map[string]Property, required []string) *Schema {
	req := make(map[string]bool, len(required))
	for _, r := range required {
		req[r] = true
	}
	return &Schema{Names: append([]string(nil), order...), Properties: properties, Required: req}
}

// IsRequired reports whether name is in the required set.
func (s *Schema) IsRequired(name string) bool { return s.Required[name] }

// splitSchema projects schema onto primaryKeyNames and its complement.
// It errors if any name is missing from schema, if a name is invalid, or
// if names span both groups via a non-existent name.
func SplitSchema(s *Schema, primaryKeyNames []string) (pk *Schema, value *Schema, err error) {
	pkSet := make(map[string]bool, len(primaryKeyNames))
	var badPaths []string
	for _, n := range primaryKeyNames {
		if !ValidIdentifier(n) {
			badPaths = append(badPaths, fmt.Sprintf("%s: invalid identifier", n))
			continue
		}
		if _, ok := s.Properties[n]; !ok {
			badPaths = append(badPaths, fmt.Sprintf("%s: not present in schema", n))
			continue
		}
		pkSet[n] = true
	}
	if len(badPaths) > 0 {
		return nil, nil, taskerr.NewInvalidInput(badPaths...)
	}

	var pkNames, valNames []string
	pkProps := make(map[string]Property)
	valProps := make(map[string]Property)
	for _, n := range s.Names {
		if pkSet[n] {
			pkNames = append(pkNames, n)
			pkProps[n] = s.Properties[n]
		} else {
			valNames = append(valNames, n)
			valProps[n] = s.Properties[n]
		}
	}

	var pkReq, valReq []string
	for n := range s.Required {
		if pkSet[n] {
			pkReq = append(pkReq, n)
		} else {
			valReq = append(valReq, n)
		}
	}
	sort.Strings(pkReq)
	sort.Strings(valReq)

	return New(pkNames, pkProps, pkReq), New(valNames, valProps, valReq), nil
}

// DefaultsOf returns name -> default value for every property declaring one.
func DefaultsOf(s *Schema) map[string]any {
	out := make(map[string]any)
	for _, n := range s.Names {
		p := s.Properties[n]
		if p.Default != nil {
			out[n] = p.Default
		}
	}
	return out
}

// SimplifiedProperty is the result of collapsing a nullable union
// ({string, null} and similar) into a single descriptor plus an explicit
// nullability flag, used by SQL type mapping (NOT NULL vs NULL columns).
type SimplifiedProperty struct {
	NonNullType Property
	IsNullable  bool
}

// Simplify collapses every property of s into its SimplifiedProperty view.
// The record-level schema we use never natively encodes a {T, null} union
// (unlike JSON Schema's anyOf) — nullability here is carried by whether the
// property is absent from Required, which is the signal SQL codegen needs.
func Simplify(s *Schema) map[string]SimplifiedProperty {
	out := make(map[string]SimplifiedProperty, len(s.Names))
	for _, n := range s.Names {
		out[n] = SimplifiedProperty{
			NonNullType: s.Properties[n],
			IsNullable:  !s.IsRequired(n),
		}
	}
	return out
}
