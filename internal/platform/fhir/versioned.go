package fhir

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/fhirgraph/server/internal/graph"
)

// Versioning wraps a graph.Repo with per-(resourceType,fhirId) write
// serialization. Concurrent writers racing to create a new version of the
// same resource collapse onto a single in-flight graph round trip instead
// of racing on version numbers and isCurrent flags — the keyed-locking
// concurrency recommendation, implemented with singleflight rather than a
// hand-rolled mutex map.
type Versioning struct {
	repo  graph.Repo
	group singleflight.Group
}

// NewVersioning constructs a Versioning component backed by repo.
func NewVersioning(repo graph.Repo) *Versioning {
	return &Versioning{repo: repo}
}

func versionKey(resourceType, fhirID string) string {
	return resourceType + "/" + fhirID
}

// CreateVersion creates a new current version of (resourceType, fhirID)
// with the given properties, superseding whatever version was current.
func (v *Versioning) CreateVersion(ctx context.Context, resourceType, fhirID string, properties map[string]interface{}) (*graph.Vertex, error) {
	result, err, _ := v.group.Do(versionKey(resourceType, fhirID), func() (interface{}, error) {
		return v.repo.CreateVersionedVertex(ctx, resourceType, fhirID, properties)
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.(*graph.Vertex), nil
}

// Delete creates a tombstone version of (resourceType, fhirID). Returns
// (nil, nil) if the resource has no current version to delete.
func (v *Versioning) Delete(ctx context.Context, resourceType, fhirID string) (*graph.Vertex, error) {
	result, err, _ := v.group.Do("delete:"+versionKey(resourceType, fhirID), func() (interface{}, error) {
		return v.repo.CreateTombstone(ctx, resourceType, fhirID)
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.(*graph.Vertex), nil
}

// Current returns the current version vertex, or nil if the resource does
// not exist (has never been created, or every version was hard-deleted).
func (v *Versioning) Current(ctx context.Context, resourceType, fhirID string) (*graph.Vertex, error) {
	return v.repo.GetCurrentVersion(ctx, resourceType, fhirID)
}

// Version returns a specific version, regardless of currency.
func (v *Versioning) Version(ctx context.Context, resourceType, fhirID string, versionID int) (*graph.Vertex, error) {
	return v.repo.GetVersion(ctx, resourceType, fhirID, versionID)
}
