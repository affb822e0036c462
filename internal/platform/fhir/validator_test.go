package fhir

import (
	"os"
	"path/filepath"
	"testing"
)

const testSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "discriminator": {
    "propertyName": "resourceType",
    "mapping": {
      "Patient": "#/definitions/Patient",
      "Observation": "#/definitions/Observation"
    }
  },
  "type": "object",
  "properties": {
    "resourceType": {"type": "string"}
  },
  "required": ["resourceType"]
}`

func writeTestSchema(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fhir.schema.json")
	if err := os.WriteFile(path, []byte(testSchema), 0o644); err != nil {
		t.Fatalf("failed to write test schema: %v", err)
	}
	return path
}

func TestNewValidator_LoadsSchema(t *testing.T) {
	v := NewValidator(writeTestSchema(t))
	if !v.Loaded() {
		t.Fatal("expected schema to load successfully")
	}
}

func TestNewValidator_MissingSchemaFile(t *testing.T) {
	v := NewValidator(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if v.Loaded() {
		t.Fatal("expected Loaded() to be false for a missing schema file")
	}
	_, err := v.Validate(map[string]interface{}{"resourceType": "Patient"})
	if err == nil {
		t.Fatal("expected an error validating with an unloaded schema")
	}
}

func TestValidate_ValidDocument(t *testing.T) {
	v := NewValidator(writeTestSchema(t))
	ok, err := v.Validate(map[string]interface{}{"resourceType": "Patient"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected document to validate")
	}
}

func TestValidate_InvalidDocument(t *testing.T) {
	v := NewValidator(writeTestSchema(t))
	ok, err := v.Validate(map[string]interface{}{"id": "123"})
	if err == nil {
		t.Fatal("expected a validation error for a document missing resourceType")
	}
	if ok {
		t.Error("expected ok=false for an invalid document")
	}
}

func TestExtractResourceInfo_Valid(t *testing.T) {
	v := NewValidator(writeTestSchema(t))
	ok, err, rt, id := v.ExtractResourceInfo(map[string]interface{}{"resourceType": "Patient", "id": "p1"})
	if !ok || err != nil {
		t.Fatalf("expected success, got ok=%v err=%v", ok, err)
	}
	if rt != "Patient" || id != "p1" {
		t.Errorf("expected Patient/p1, got %s/%s", rt, id)
	}
}

func TestExtractResourceInfo_MissingResourceType(t *testing.T) {
	v := NewValidator(writeTestSchema(t))
	ok, err, _, _ := v.ExtractResourceInfo(map[string]interface{}{"id": "p1"})
	if ok || err == nil {
		t.Fatal("expected failure for missing resourceType")
	}
}

func TestExtractResourceInfo_NonStringID(t *testing.T) {
	v := NewValidator(writeTestSchema(t))
	ok, err, rt, _ := v.ExtractResourceInfo(map[string]interface{}{"resourceType": "Patient", "id": 123})
	if ok || err == nil {
		t.Fatal("expected failure for a non-string id")
	}
	if rt != "Patient" {
		t.Errorf("expected resourceType to still be reported as Patient, got %s", rt)
	}
	if err.Error() != "Invalid id: must be string" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestExtractResourceInfo_NoID(t *testing.T) {
	v := NewValidator(writeTestSchema(t))
	ok, err, rt, id := v.ExtractResourceInfo(map[string]interface{}{"resourceType": "Patient"})
	if !ok || err != nil {
		t.Fatalf("expected success when id is absent, got ok=%v err=%v", ok, err)
	}
	if rt != "Patient" || id != "" {
		t.Errorf("expected Patient/'', got %s/%s", rt, id)
	}
}

func TestListSupportedTypes_SortedFromDiscriminatorMapping(t *testing.T) {
	v := NewValidator(writeTestSchema(t))
	got := v.ListSupportedTypes()
	want := []string{"Observation", "Patient"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestListSupportedTypes_UnloadedSchema(t *testing.T) {
	v := NewValidator(filepath.Join(t.TempDir(), "missing.json"))
	if got := v.ListSupportedTypes(); len(got) != 0 {
		t.Errorf("expected no supported types for an unloaded schema, got %v", got)
	}
}
