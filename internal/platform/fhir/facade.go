package fhir

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// OperationResult is the HTTP-facing shape every Facade method returns: the
// caller only has to translate it into a response, never reach back into
// Persistence/Versioning/HistoryService directly.
type OperationResult struct {
	StatusCode   int
	Resource     json.RawMessage
	Outcome      *OperationOutcome
	ETag         string
	Location     string
	LastModified string
}

// FhirOperationResult is OperationResult plus the resource identity that
// produced it, for callers that need to
// know the type/id/version a create or update settled on without
// re-parsing the resource body.
type FhirOperationResult struct {
	OperationResult
	ResourceType string
	FHIRID       string
	VersionID    string
}

// Facade composes Persistence, Versioning, HistoryService and
// EverythingService into the single entry point the HTTP layer calls,
// formatting ETag/Location/Last-Modified consistently across every
// operation instead of leaving each handler to do it ad hoc.
type Facade struct {
	persistence *Persistence
	versioning  *Versioning
	history     *HistoryService
	everything  *EverythingService
	baseURL     string
	logger      zerolog.Logger
}

// NewFacade constructs a Facade.
func NewFacade(persistence *Persistence, versioning *Versioning, history *HistoryService, everything *EverythingService, baseURL string, logger zerolog.Logger) *Facade {
	return &Facade{
		persistence: persistence,
		versioning:  versioning,
		history:     history,
		everything:  everything,
		baseURL:     baseURL,
		logger:      logger,
	}
}

func (f *Facade) location(resourceType, fhirID string) string {
	return fmt.Sprintf("%s/%s/%s", f.baseURL, resourceType, fhirID)
}

func vertexVersionTag(props map[string]interface{}) string {
	if v, ok := props["versionId"].(string); ok && v != "" {
		return v
	}
	return ""
}

func vertexLastUpdated(props map[string]interface{}) string {
	if v, ok := props["lastUpdated"].(string); ok {
		return v
	}
	return ""
}

// Create stores a new resource version via the versioning engine (so
// concurrent creates for the same id collapse through singleflight) and
// returns the full create result: 201 with Location/ETag/Last-Modified set.
func (f *Facade) Create(ctx context.Context, resourceType string, doc map[string]interface{}) (*FhirOperationResult, error) {
	persisted, err := f.persistence.ValidateAndPersist(ctx, doc, true, true)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode resource: %w", err)
	}
	vertex, err := f.versioning.CreateVersion(ctx, resourceType, persisted.FHIRID, map[string]interface{}{
		"resourceType": resourceType,
		"json":         string(raw),
	})
	if err != nil {
		return nil, err
	}

	versionID := ""
	lastUpdated := ""
	if vertex != nil {
		versionID = vertexVersionTag(vertex.Properties)
		lastUpdated = vertexLastUpdated(vertex.Properties)
	}

	return &FhirOperationResult{
		OperationResult: OperationResult{
			StatusCode:   201,
			Resource:     raw,
			ETag:         FormatETag(versionID),
			Location:     f.location(resourceType, persisted.FHIRID),
			LastModified: lastUpdated,
		},
		ResourceType: resourceType,
		FHIRID:       persisted.FHIRID,
		VersionID:    versionID,
	}, nil
}

// Update replaces a resource's current content and records a new version,
// returning 200 (200, not 201: the id already existed going in).
func (f *Facade) Update(ctx context.Context, resourceType, fhirID string, doc map[string]interface{}) (*FhirOperationResult, error) {
	doc["id"] = fhirID
	persisted, err := f.persistence.ValidateAndPersist(ctx, doc, true, true)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode resource: %w", err)
	}
	vertex, err := f.versioning.CreateVersion(ctx, resourceType, fhirID, map[string]interface{}{
		"resourceType": resourceType,
		"json":         string(raw),
	})
	if err != nil {
		return nil, err
	}

	versionID := ""
	lastUpdated := ""
	if vertex != nil {
		versionID = vertexVersionTag(vertex.Properties)
		lastUpdated = vertexLastUpdated(vertex.Properties)
	}

	return &FhirOperationResult{
		OperationResult: OperationResult{
			StatusCode:   200,
			Resource:     raw,
			ETag:         FormatETag(versionID),
			Location:     f.location(resourceType, persisted.FHIRID),
			LastModified: lastUpdated,
		},
		ResourceType: resourceType,
		FHIRID:       persisted.FHIRID,
		VersionID:    versionID,
	}, nil
}

// Patch applies a JSON Patch document to the current resource content and
// records the result as a new version.
func (f *Facade) Patch(ctx context.Context, resourceType, fhirID string, patchOps []PatchOperation) (*FhirOperationResult, error) {
	current, found, err := f.persistence.GetByResourceTypeAndID(ctx, resourceType, fhirID)
	if err != nil {
		return nil, err
	}
	if !found {
		return &FhirOperationResult{OperationResult: OperationResult{StatusCode: 404, Outcome: NotFoundOutcome(resourceType, fhirID)}}, nil
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(current), &doc); err != nil {
		return nil, fmt.Errorf("decode current resource: %w", err)
	}

	patched, err := ApplyJSONPatch(doc, patchOps)
	if err != nil {
		return &FhirOperationResult{OperationResult: OperationResult{StatusCode: 400, Outcome: ErrorOutcome(err.Error())}}, nil
	}

	return f.Update(ctx, resourceType, fhirID, patched)
}

// Read fetches the current version of a resource, returning 200 with its
// body, or 404 via the Outcome field when absent.
func (f *Facade) Read(ctx context.Context, resourceType, fhirID string) (*OperationResult, error) {
	raw, found, err := f.persistence.GetByResourceTypeAndID(ctx, resourceType, fhirID)
	if err != nil {
		return nil, err
	}
	if !found {
		return &OperationResult{StatusCode: 404, Outcome: NotFoundOutcome(resourceType, fhirID)}, nil
	}

	vertex, err := f.versioning.Current(ctx, resourceType, fhirID)
	if err != nil {
		return nil, err
	}
	result := &OperationResult{StatusCode: 200, Resource: json.RawMessage(raw)}
	if vertex != nil {
		result.ETag = FormatETag(vertexVersionTag(vertex.Properties))
		result.LastModified = vertexLastUpdated(vertex.Properties)
	}
	return result, nil
}

// Delete removes the current version of a resource (tombstoning it through
// the versioning engine) and hard-deletes the persisted vertex, returning
// 204 on success and 404 when nothing existed to delete.
func (f *Facade) Delete(ctx context.Context, resourceType, fhirID string) (*OperationResult, error) {
	tombstone, err := f.versioning.Delete(ctx, resourceType, fhirID)
	if err != nil {
		return nil, err
	}
	if tombstone == nil {
		return &OperationResult{StatusCode: 404, Outcome: NotFoundOutcome(resourceType, fhirID)}, nil
	}

	found, err := f.persistence.DeleteByResourceTypeAndID(ctx, resourceType, fhirID)
	if err != nil {
		return nil, err
	}
	if !found {
		// versioning.Delete already tombstoned a current version, so the
		// persisted vertex should have existed too; this marks the two
		// stores as inconsistent rather than silently reporting success.
		f.logger.Warn().Str("resourceType", resourceType).Str("fhirId", fhirID).
			Msg("delete: tombstoned version had no matching persisted vertex")
	}

	return &OperationResult{
		StatusCode:   204,
		ETag:         FormatETag(vertexVersionTag(tombstone.Properties)),
		LastModified: vertexLastUpdated(tombstone.Properties),
	}, nil
}

// Validate runs the same checks Create/Update would, without ever writing
// a vertex: the $validate operation's defining property.
func (f *Facade) Validate(doc map[string]interface{}) *OperationResult {
	validator := f.persistence.validator

	if ok, err, _, _ := validator.ExtractResourceInfo(doc); !ok {
		return &OperationResult{StatusCode: 400, Outcome: ValidationOutcome("resourceType", err.Error())}
	}

	if valid, err := validator.Validate(doc); !valid {
		diagnostics := "validation failed"
		if err != nil {
			diagnostics = err.Error()
		}
		return &OperationResult{StatusCode: 400, Outcome: ValidationOutcome("", diagnostics)}
	}

	outcome := NewOutcomeBuilder().AddIssue(IssueSeverityInformation, IssueTypeProcessing, "resource is valid").Build()
	return &OperationResult{StatusCode: 200, Outcome: outcome}
}

// Everything serves Patient/$everything through the facade so callers only
// depend on one type.
func (f *Facade) Everything(ctx context.Context, fhirID string, typeFilter map[string]bool, limit int) (*Bundle, error) {
	return f.everything.Everything(ctx, fhirID, typeFilter, limit)
}
