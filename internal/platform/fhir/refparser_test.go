package fhir

import "testing"

func TestParseReferences_SimpleRelative(t *testing.T) {
	doc := map[string]interface{}{
		"resourceType": "Observation",
		"subject":      map[string]interface{}{"reference": "Patient/123"},
	}
	matches := ParseReferences(doc)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d: %+v", len(matches), matches)
	}
	m := matches[0]
	if m.TargetResourceType != "Patient" || m.TargetFHIRID != "123" {
		t.Errorf("unexpected match: %+v", m)
	}
	if m.Path != "subject.reference" {
		t.Errorf("expected path subject.reference, got %q", m.Path)
	}
}

func TestParseReferences_NestedArray(t *testing.T) {
	doc := map[string]interface{}{
		"resourceType": "Bundle",
		"item": []interface{}{
			map[string]interface{}{"reference": "Patient/1"},
			map[string]interface{}{"reference": "Patient/2"},
		},
	}
	matches := ParseReferences(doc)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
}

func TestParseReferences_RejectsAbsoluteURL(t *testing.T) {
	doc := map[string]interface{}{
		"subject": map[string]interface{}{"reference": "http://example.com/Patient/1"},
	}
	if matches := ParseReferences(doc); len(matches) != 0 {
		t.Errorf("expected absolute URL to be rejected, got %+v", matches)
	}
}

func TestParseReferences_RejectsFragment(t *testing.T) {
	doc := map[string]interface{}{
		"subject": map[string]interface{}{"reference": "#contained1"},
	}
	if matches := ParseReferences(doc); len(matches) != 0 {
		t.Errorf("expected fragment reference to be rejected, got %+v", matches)
	}
}

func TestParseReferences_RejectsTrailingSlash(t *testing.T) {
	doc := map[string]interface{}{
		"subject": map[string]interface{}{"reference": "Patient/123/"},
	}
	if matches := ParseReferences(doc); len(matches) != 0 {
		t.Errorf("expected trailing-slash reference to be rejected, got %+v", matches)
	}
}

func TestParseReferences_RejectsEmpty(t *testing.T) {
	doc := map[string]interface{}{
		"subject": map[string]interface{}{"reference": ""},
	}
	if matches := ParseReferences(doc); len(matches) != 0 {
		t.Errorf("expected empty reference to be rejected, got %+v", matches)
	}
}

func TestParseReferences_IgnoresNonStringReference(t *testing.T) {
	doc := map[string]interface{}{
		"subject": map[string]interface{}{"reference": 12345},
	}
	if matches := ParseReferences(doc); len(matches) != 0 {
		t.Errorf("expected non-string reference value to be ignored, got %+v", matches)
	}
}

func TestParseReferences_NoMatchSingleSegment(t *testing.T) {
	doc := map[string]interface{}{
		"subject": map[string]interface{}{"reference": "justatoken"},
	}
	if matches := ParseReferences(doc); len(matches) != 0 {
		t.Errorf("expected single-segment reference to be rejected, got %+v", matches)
	}
}
