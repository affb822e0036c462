// Package graph defines the backend-agnostic property-graph contract
// (GraphRepo) that the FHIR resource layer is built against, plus a
// Neo4j-backed implementation of it.
package graph

import "context"

// Vertex is a single property-graph vertex. Properties are a flat map of
// scalar/JSON-serializable values; callers are responsible for marshaling
// structured FHIR content into one of the properties (conventionally
// "json").
type Vertex struct {
	Label      string
	ID         string
	Properties map[string]interface{}
}

// Edge is a directed, labeled relationship between two vertices. Identity of
// an edge is always the triple (Label, Out, In) — backends must never expose
// their own internal relationship identifiers to callers.
type Edge struct {
	Label      string
	Out        string
	In         string
	Properties map[string]interface{}
}

// Repo is the backend-agnostic property-graph contract described by the
// resource layer. A Neo4j-backed implementation lives in neo4j_repo.go;
// other backends can satisfy this interface without the resource layer
// changing.
type Repo interface {
	// Vertex operations.
	AddVertex(ctx context.Context, label string, properties map[string]interface{}) (string, error)
	GetVertexByID(ctx context.Context, label, id string) (*Vertex, error)
	UpdateVertexProperties(ctx context.Context, label, id string, properties map[string]interface{}) error
	DeleteVertex(ctx context.Context, label, id string) error
	CountVertices(ctx context.Context, label string) (int64, error)
	CountVerticesByLabel(ctx context.Context, label string) (int64, error)
	GetVerticesByLabel(ctx context.Context, label string, limit, offset int) ([]*Vertex, error)
	DropAll(ctx context.Context) error

	// Property-keyed lookups, used for conditional dispatch and reference resolution.
	GetVertexByLabelAndProperty(ctx context.Context, label, key string, value interface{}) (*Vertex, error)
	GetVertexIDByLabelAndProperty(ctx context.Context, label, key string, value interface{}) (string, error)
	UpsertVertexByProperty(ctx context.Context, label, key string, value interface{}, properties map[string]interface{}) (string, bool, error)

	// Edge operations.
	AddEdge(ctx context.Context, label, out, in string, properties map[string]interface{}) error
	AddEdgeByProperty(ctx context.Context, label string, outLabel, outKey string, outValue interface{}, in string, properties map[string]interface{}) error
	EdgeExists(ctx context.Context, label, out, in string) (bool, error)
	GetEdgesForVertex(ctx context.Context, label, id string) ([]*Edge, error)
	GetOutNeighbors(ctx context.Context, label, id, edgeLabel string) ([]*Vertex, error)
	GetInNeighbors(ctx context.Context, label, id, edgeLabel string) ([]*Vertex, error)

	// Traverse performs a breadth-first walk outward from the given vertex up
	// to maxHops edges deep, returning each reached vertex at most once and
	// never returning more than limit vertices (0 = unlimited).
	Traverse(ctx context.Context, fromLabel, fromID string, maxHops, limit int) ([]*Vertex, error)

	// Versioning primitives (spec §4.7 / §4.2).
	GetCurrentVersion(ctx context.Context, resourceType, fhirID string) (*Vertex, error)
	GetVersion(ctx context.Context, resourceType, fhirID string, versionID int) (*Vertex, error)
	GetVersionHistory(ctx context.Context, resourceType, fhirID string, limit, offset int) ([]*Vertex, int, error)
	GetTypeHistory(ctx context.Context, resourceType string, limit, offset int) ([]*Vertex, int, error)
	GetTypeHistorySince(ctx context.Context, resourceType string, since string, limit, offset int) ([]*Vertex, int, error)
	GetNextVersionNumber(ctx context.Context, resourceType, fhirID string) (int, error)
	MarkVersionNonCurrent(ctx context.Context, resourceType, fhirID string, versionID int) error
	CreateSupersedesEdge(ctx context.Context, resourceType, fhirID string, fromVersion, toVersion int) error
	CreateVersionedVertex(ctx context.Context, resourceType, fhirID string, properties map[string]interface{}) (*Vertex, error)
	CreateTombstone(ctx context.Context, resourceType, fhirID string) (*Vertex, error)
	DeleteAllVersions(ctx context.Context, resourceType, fhirID string) error
	DeleteVersion(ctx context.Context, resourceType, fhirID string, versionID int) error

	// Close releases backend resources (connection pool, driver).
	Close(ctx context.Context) error
	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}
