package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator loads a FHIR JSON Schema document from disk and validates
// resources against it. The schema is loaded once, at construction,
// and held immutably for the process lifetime; an
// unreadable or uncompilable schema puts the Validator into a permanent
// failure mode where every call reports "schema not loaded" rather than
// retrying the read on every request.
type Validator struct {
	mu      sync.RWMutex
	schema  *jsonschema.Schema
	loadErr error
	types   []string
}

// NewValidator loads the FHIR JSON Schema document at schemaPath. Load
// failures are recorded, not returned, so construction never fails; every
// subsequent Validate/ExtractResourceInfo call surfaces the failure as
// "schema not loaded" instead.
func NewValidator(schemaPath string) *Validator {
	v := &Validator{}
	v.load(schemaPath)
	return v
}

func (v *Validator) load(schemaPath string) {
	data, err := os.ReadFile(schemaPath)
	if err != nil {
		v.loadErr = fmt.Errorf("schema not loaded: %w", err)
		return
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaPath, bytes.NewReader(data)); err != nil {
		v.loadErr = fmt.Errorf("schema not loaded: %w", err)
		return
	}
	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		v.loadErr = fmt.Errorf("schema not loaded: %w", err)
		return
	}

	v.schema = schema
	v.types = extractSupportedTypes(data)
}

// Validate checks doc against the loaded schema. Schema-engine failures
// that stem from unresolved or circular $ref chains in the document under
// validation (rather than an actual shape violation) are coerced to a
// passing result: the schema may describe resources more strictly than
// this server can resolve, and a resource should not be rejected purely
// because the validator couldn't fully walk its schema.
func (v *Validator) Validate(doc map[string]interface{}) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.loadErr != nil {
		return false, v.loadErr
	}

	if err := v.schema.Validate(doc); err != nil {
		if isUnresolvableSchemaError(err) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

func isUnresolvableSchemaError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "circular") ||
		strings.Contains(msg, "cannot resolve") ||
		strings.Contains(msg, "could not resolve") ||
		strings.Contains(msg, "cycle")
}

// ExtractResourceInfo reads resourceType and id off a decoded resource
// document. resourceType must be present as a non-empty string; id, if
// present, must be a string.
func (v *Validator) ExtractResourceInfo(doc map[string]interface{}) (ok bool, err error, resourceType string, fhirID string) {
	v.mu.RLock()
	loadErr := v.loadErr
	v.mu.RUnlock()
	if loadErr != nil {
		return false, loadErr, "", ""
	}

	rtRaw, present := doc["resourceType"]
	if !present {
		return false, fmt.Errorf("resourceType is required"), "", ""
	}
	rt, isStr := rtRaw.(string)
	if !isStr || rt == "" {
		return false, fmt.Errorf("resourceType must be a non-empty string"), "", ""
	}

	if idRaw, present := doc["id"]; present {
		idStr, isStr := idRaw.(string)
		if !isStr {
			return false, fmt.Errorf("Invalid id: must be string"), rt, ""
		}
		fhirID = idStr
	}

	return true, nil, rt, fhirID
}

// ListSupportedTypes returns every resource type named in the schema's
// discriminator.mapping, sorted ascending. An unloaded schema reports no
// supported types.
func (v *Validator) ListSupportedTypes() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, len(v.types))
	copy(out, v.types)
	return out
}

// Loaded reports whether the schema loaded successfully.
func (v *Validator) Loaded() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.loadErr == nil
}

func extractSupportedTypes(raw []byte) []string {
	var doc struct {
		Discriminator struct {
			Mapping map[string]json.RawMessage `json:"mapping"`
		} `json:"discriminator"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	types := make([]string, 0, len(doc.Discriminator.Mapping))
	for k := range doc.Discriminator.Mapping {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}
