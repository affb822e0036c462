package fhir

import (
	"fmt"
	"strings"
)

// ReferenceMatch is a single relative reference found while walking a
// resource document: the dotted/bracketed path it was found at, plus the
// target resource type and id it names.
type ReferenceMatch struct {
	Path               string
	TargetResourceType string
	TargetFHIRID       string
}

// ParseReferences walks a decoded resource document and yields every
// relative reference it finds. Only references of the form "Type/Id" are
// reported — absolute URLs (containing "://"), internal fragments
// (leading "#"), and non-string "reference" values are silently skipped,
// since those are not relationships this server's graph can materialize
// as edges.
func ParseReferences(doc map[string]interface{}) []ReferenceMatch {
	var matches []ReferenceMatch
	walkForReferences(doc, "", &matches)
	return matches
}

func walkForReferences(node interface{}, path string, out *[]ReferenceMatch) {
	switch v := node.(type) {
	case map[string]interface{}:
		if ref, ok := v["reference"]; ok {
			if refStr, isStr := ref.(string); isStr {
				if rt, id, ok := parseRelativeReference(refStr); ok {
					*out = append(*out, ReferenceMatch{
						Path:               joinPath(path, "reference"),
						TargetResourceType: rt,
						TargetFHIRID:       id,
					})
				}
			}
		}
		for key, child := range v {
			if key == "reference" {
				continue
			}
			walkForReferences(child, joinPath(path, key), out)
		}
	case []interface{}:
		for i, child := range v {
			walkForReferences(child, fmt.Sprintf("%s[%d]", path, i), out)
		}
	}
}

func joinPath(base, segment string) string {
	if base == "" {
		return segment
	}
	return base + "." + segment
}

// parseRelativeReference validates that ref is exactly "Type/Id": two
// non-empty slash-separated segments, no scheme ("://"), and no leading
// fragment marker ("#"). A trailing slash, an absolute URL, or a
// fragment-only value all fail this grammar.
func parseRelativeReference(ref string) (resourceType, fhirID string, ok bool) {
	if ref == "" || strings.HasPrefix(ref, "#") || strings.Contains(ref, "://") {
		return "", "", false
	}
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
