package fhir

import (
	"context"
	"sync"
	"testing"

	"github.com/fhirgraph/server/internal/graph"
)

type versioningFakeRepo struct {
	graph.Repo
	mu          sync.Mutex
	nextVersion int
	createCalls int
	tombstone   *graph.Vertex
}

func (f *versioningFakeRepo) CreateVersionedVertex(ctx context.Context, resourceType, fhirID string, properties map[string]interface{}) (*graph.Vertex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.nextVersion++
	return &graph.Vertex{Label: resourceType, ID: fhirID, Properties: properties}, nil
}

func (f *versioningFakeRepo) CreateTombstone(ctx context.Context, resourceType, fhirID string) (*graph.Vertex, error) {
	return f.tombstone, nil
}

func (f *versioningFakeRepo) GetCurrentVersion(ctx context.Context, resourceType, fhirID string) (*graph.Vertex, error) {
	return &graph.Vertex{Label: resourceType, ID: fhirID}, nil
}

func TestVersioning_CreateVersion(t *testing.T) {
	repo := &versioningFakeRepo{}
	v := NewVersioning(repo)

	vertex, err := v.CreateVersion(context.Background(), "Patient", "1", map[string]interface{}{"id": "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vertex.ID != "1" {
		t.Errorf("expected vertex id 1, got %s", vertex.ID)
	}
	if repo.createCalls != 1 {
		t.Errorf("expected 1 create call, got %d", repo.createCalls)
	}
}

func TestVersioning_DeleteWithNoCurrentVersionReturnsNil(t *testing.T) {
	repo := &versioningFakeRepo{tombstone: nil}
	v := NewVersioning(repo)

	vertex, err := v.Delete(context.Background(), "Patient", "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vertex != nil {
		t.Errorf("expected nil vertex, got %+v", vertex)
	}
}

func TestVersioning_Current(t *testing.T) {
	repo := &versioningFakeRepo{}
	v := NewVersioning(repo)

	vertex, err := v.Current(context.Background(), "Patient", "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vertex.ID != "1" {
		t.Errorf("expected vertex id 1, got %s", vertex.ID)
	}
}
