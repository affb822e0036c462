package fhir

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirgraph/server/internal/graph"
)

// Persistence implements the non-versioned read/write/search path: a
// resource has at most one vertex per (resourceType, fhirId), mutated in
// place. The versioned path lives in Versioning.
type Persistence struct {
	repo         graph.Repo
	validator    *Validator
	materializer *RefMaterializer
	logger       zerolog.Logger
}

// NewPersistence constructs a Persistence component.
func NewPersistence(repo graph.Repo, validator *Validator, materializer *RefMaterializer, logger zerolog.Logger) *Persistence {
	return &Persistence{repo: repo, validator: validator, materializer: materializer, logger: logger}
}

// PersistResult is the outcome of ValidateAndPersist.
type PersistResult struct {
	GraphID          string
	FHIRID           string
	MaterializeCount int
}

// ValidateAndPersist validates doc against the loaded schema, then
// upserts it on the non-versioned write path: an existing (label, id)
// vertex has its properties replaced in place, otherwise a new vertex is
// created. When materializeRefs is set, the RefMaterializer runs against
// the freshly persisted vertex afterward.
func (p *Persistence) ValidateAndPersist(ctx context.Context, doc map[string]interface{}, materializeRefs, allowPlaceholders bool) (*PersistResult, error) {
	ok, err, resourceType, fhirID := p.validator.ExtractResourceInfo(doc)
	if !ok {
		return nil, err
	}
	if valid, err := p.validator.Validate(doc); !valid {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode resource: %w", err)
	}
	props := map[string]interface{}{
		"resourceType": resourceType,
		"json":         string(raw),
	}

	if fhirID == "" {
		fhirID = uuid.NewString()
	}
	props["id"] = fhirID

	graphID, _, err := p.repo.UpsertVertexByProperty(ctx, resourceType, "id", fhirID, props)
	if err != nil {
		return nil, fmt.Errorf("persist resource: %w", err)
	}

	result := &PersistResult{GraphID: graphID, FHIRID: fhirID}
	if materializeRefs && p.materializer != nil {
		result.MaterializeCount = p.materializer.Materialize(ctx, graphID, doc, allowPlaceholders)
	}
	return result, nil
}

// GetByResourceTypeAndID returns the raw JSON body for (resourceType, id),
// or ("", false, nil) if no such vertex exists.
func (p *Persistence) GetByResourceTypeAndID(ctx context.Context, resourceType, id string) (string, bool, error) {
	vertex, err := p.repo.GetVertexByLabelAndProperty(ctx, resourceType, "id", id)
	if err != nil {
		return "", false, err
	}
	if vertex == nil {
		return "", false, nil
	}
	raw, ok := vertex.Properties["json"].(string)
	if !ok {
		return "", false, nil
	}
	return raw, true, nil
}

// DeleteByResourceTypeAndID hard-deletes the vertex for (resourceType, id).
// Returns false if no such vertex exists.
func (p *Persistence) DeleteByResourceTypeAndID(ctx context.Context, resourceType, id string) (bool, error) {
	vertexID, err := p.repo.GetVertexIDByLabelAndProperty(ctx, resourceType, "id", id)
	if err != nil {
		return false, err
	}
	if vertexID == "" {
		return false, nil
	}
	if err := p.repo.DeleteVertex(ctx, resourceType, vertexID); err != nil {
		return false, err
	}
	return true, nil
}

// SearchResult is one vertex surfaced from a label-scoped search.
type SearchResult struct {
	GraphID       string
	FHIRID        string
	ResourceType  string
	JSON          string
	IsPlaceholder bool
}

func vertexToSearchResult(resourceType string, v *graph.Vertex) SearchResult {
	result := SearchResult{GraphID: v.ID, ResourceType: resourceType}
	if id, ok := v.Properties["id"].(string); ok {
		result.FHIRID = id
	}
	if raw, ok := v.Properties["json"].(string); ok {
		result.JSON = raw
	}
	if ph, ok := v.Properties["isPlaceholder"].(bool); ok {
		result.IsPlaceholder = ph
	}
	return result
}

// matchesFilters applies equality filters on string-coerced property values.
func matchesFilters(v *graph.Vertex, filters map[string]string) bool {
	for key, want := range filters {
		got, ok := v.Properties[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != want {
			return false
		}
	}
	return true
}

// Search scans every vertex labeled resourceType, applying equality
// filters on string-coerced property values, and returns up to limit
// results starting at offset plus the total number of vertices scanned
// matching the filters.
func (p *Persistence) Search(ctx context.Context, resourceType string, filters map[string]string, limit, offset int) ([]SearchResult, int, error) {
	// Filtering happens in-process, so fetch an unfiltered page wide enough
	// to filter locally; GetVerticesByLabel's own limit/offset only bounds
	// the unfiltered backend scan.
	vertices, err := p.repo.GetVerticesByLabel(ctx, resourceType, 0, 0)
	if err != nil {
		return nil, 0, err
	}
	var matched []SearchResult
	for _, v := range vertices {
		if !matchesFilters(v, filters) {
			continue
		}
		matched = append(matched, vertexToSearchResult(resourceType, v))
	}
	total := len(matched)
	if offset >= len(matched) {
		return []SearchResult{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

// SearchAllTypes searches across resourceTypes (or, if empty, every type
// the Validator's schema supports), accumulating results and clipping to
// limit only at the end. totalCount is the sum of every per-type count.
func (p *Persistence) SearchAllTypes(ctx context.Context, resourceTypes []string, filters map[string]string, limit, offset int) ([]SearchResult, int, error) {
	types := resourceTypes
	if len(types) == 0 {
		types = p.validator.ListSupportedTypes()
	}

	var all []SearchResult
	total := 0
	for _, t := range types {
		results, count, err := p.Search(ctx, t, filters, 0, 0)
		if err != nil {
			p.logger.Warn().Err(err).Str("resourceType", t).Msg("search across types: per-type search failed")
			continue
		}
		total += count
		all = append(all, results...)
	}

	if offset >= len(all) {
		return []SearchResult{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}
