package schema

import "testing"

func taskRecordSchema() *Schema {
	return New(
		[]string{"id", "name", "weight"},
		map[string]Property{
			"id":     {Type: TypeString},
			"name":   {Type: TypeString},
			"weight": {Type: TypeNumber},
		},
		[]string{"id", "name"},
	)
}

func TestValidateAcceptsConformingRecord(t *testing.T) {
	s := taskRecordSchema()
	record := map[string]any{"id": "t1", "name": "fetch", "weight": 1.5}
	if err := Validate(s, record); err != nil {
		t.Fatalf("expected valid record, got: %v", err)
	}
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	s := taskRecordSchema()
	record := map[string]any{"weight": 1.5}
	if err := Validate(s, record); err == nil {
		t.Fatalf("expected error for missing required fields")
	}
}

func TestValidateRejectsWrongType(t *testing.T) {
	s := taskRecordSchema()
	record := map[string]any{"id": "t1", "name": "fetch", "weight": "not-a-number"}
	if err := Validate(s, record); err == nil {
		t.Fatalf("expected error for wrong type")
	}
}

func TestValidateEmptySchemaIsPermissive(t *testing.T) {
	s := New(nil, map[string]Property{}, nil)
	if err := Validate(s, map[string]any{"anything": "goes"}); err != nil {
		t.Fatalf("expected empty schema to accept arbitrary input, got: %v", err)
	}
}

func TestToJSONSchemaDocumentShape(t *testing.T) {
	s := taskRecordSchema()
	doc := ToJSONSchemaDocument(s)
	if doc["type"] != "object" {
		t.Fatalf("expected type object, got %v", doc["type"])
	}
	props, ok := doc["properties"].(map[string]any)
	if !ok || len(props) != 3 {
		t.Fatalf("expected 3 properties, got %v", doc["properties"])
	}
	required, ok := doc["required"].([]string)
	if !ok || len(required) != 2 {
		t.Fatalf("expected 2 required fields, got %v", doc["required"])
	}
}
