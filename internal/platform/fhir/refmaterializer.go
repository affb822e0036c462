package fhir

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fhirgraph/server/internal/graph"
)

// RefMaterializer turns the relative references found in a resource body
// into typed fhir:ref:<path> edges against their target vertices.
type RefMaterializer struct {
	repo   graph.Repo
	logger zerolog.Logger
}

// NewRefMaterializer constructs a RefMaterializer backed by repo.
func NewRefMaterializer(repo graph.Repo, logger zerolog.Logger) *RefMaterializer {
	return &RefMaterializer{repo: repo, logger: logger}
}

// Materialize walks resourceJSON for relative references and creates a
// fhir:ref:<path> edge from sourceVertexID to each resolvable target,
// returning how many new edges it added. An edge that already exists is
// left alone and does not count toward the result, so re-materializing an
// unchanged resource reports 0. It never returns an error: a reference
// whose target doesn't exist (placeholders disallowed) is dropped
// silently, and a repository failure while resolving or linking one
// reference is logged as a warning and that reference skipped, so one bad
// reference never blocks the rest of the write.
func (m *RefMaterializer) Materialize(ctx context.Context, sourceVertexID string, resourceJSON map[string]interface{}, allowPlaceholders bool) int {
	matches := ParseReferences(resourceJSON)
	materialized := 0

	for _, ref := range matches {
		targetID, err := m.resolveTarget(ctx, ref, allowPlaceholders)
		if err != nil {
			m.logger.Warn().Err(err).
				Str("path", ref.Path).
				Str("targetResourceType", ref.TargetResourceType).
				Str("targetFhirId", ref.TargetFHIRID).
				Msg("reference materialization: target resolution failed")
			continue
		}
		if targetID == "" {
			// Target does not exist and placeholders are disallowed: drop silently.
			continue
		}

		edgeLabel := "fhir:ref:" + ref.Path
		exists, err := m.repo.EdgeExists(ctx, edgeLabel, sourceVertexID, targetID)
		if err != nil {
			m.logger.Warn().Err(err).Str("path", ref.Path).Msg("reference materialization: edge existence check failed")
			continue
		}
		if exists {
			continue
		}

		err = m.repo.AddEdge(ctx, edgeLabel, sourceVertexID, targetID, map[string]interface{}{
			"path":               ref.Path,
			"targetResourceType": ref.TargetResourceType,
			"targetFhirId":       ref.TargetFHIRID,
		})
		if err != nil {
			m.logger.Warn().Err(err).Str("path", ref.Path).Msg("reference materialization: failed to add edge")
			continue
		}
		materialized++
	}

	return materialized
}

// resolveTarget returns the vertex id of the reference's target, or ""
// when the target doesn't exist and allowPlaceholders is false.
func (m *RefMaterializer) resolveTarget(ctx context.Context, ref ReferenceMatch, allowPlaceholders bool) (string, error) {
	if allowPlaceholders {
		id, _, err := m.repo.UpsertVertexByProperty(ctx, ref.TargetResourceType, "id", ref.TargetFHIRID, map[string]interface{}{
			"id":            ref.TargetFHIRID,
			"isPlaceholder": true,
			"isCurrent":     true,
			"isDeleted":     false,
		})
		return id, err
	}
	return m.repo.GetVertexIDByLabelAndProperty(ctx, ref.TargetResourceType, "id", ref.TargetFHIRID)
}
