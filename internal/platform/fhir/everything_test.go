package fhir

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/fhirgraph/server/internal/graph"
)

type everythingFakeRepo struct {
	graph.Repo
	vertices map[string]*graph.Vertex
	reachable map[string][]*graph.Vertex // fromID -> reachable vertices
}

func newEverythingFakeRepo() *everythingFakeRepo {
	return &everythingFakeRepo{vertices: map[string]*graph.Vertex{}, reachable: map[string][]*graph.Vertex{}}
}

func (f *everythingFakeRepo) GetCurrentVersion(ctx context.Context, resourceType, fhirID string) (*graph.Vertex, error) {
	return f.vertices[resourceType+"/"+fhirID], nil
}

func (f *everythingFakeRepo) Traverse(ctx context.Context, fromLabel, fromID string, maxHops, limit int) ([]*graph.Vertex, error) {
	return f.reachable[fromID], nil
}

func patientVertex(id string) *graph.Vertex {
	raw, _ := json.Marshal(map[string]interface{}{"resourceType": "Patient", "id": id})
	return &graph.Vertex{Label: "Patient", ID: "v-" + id, Properties: map[string]interface{}{
		"id": id, "resourceType": "Patient", "json": string(raw),
	}}
}

func childVertex(resourceType, id string) *graph.Vertex {
	raw, _ := json.Marshal(map[string]interface{}{"resourceType": resourceType, "id": id})
	return &graph.Vertex{Label: resourceType, ID: resourceType + "-" + id, Properties: map[string]interface{}{
		"id": id, "resourceType": resourceType, "json": string(raw),
	}}
}

func newEverythingTestHandler() (*EverythingHandler, *everythingFakeRepo) {
	repo := newEverythingFakeRepo()
	p := patientVertex("patient-123")
	repo.vertices["Patient/patient-123"] = p
	return NewEverythingHandler(NewEverythingService(repo)), repo
}

func doEverythingRequest(h *EverythingHandler, id, query string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient/"+id+"/$everything"+query, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	return rec, h.Handle(c)
}

func TestEverything_Success(t *testing.T) {
	h, repo := newEverythingTestHandler()
	repo.reachable["v-patient-123"] = []*graph.Vertex{
		childVertex("Condition", "cond-1"),
		childVertex("Condition", "cond-2"),
		childVertex("Observation", "obs-1"),
	}

	rec, err := doEverythingRequest(h, "patient-123", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var bundle Bundle
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("failed to unmarshal bundle: %v", err)
	}
	if bundle.ResourceType != "Bundle" || bundle.Type != "searchset" {
		t.Errorf("unexpected bundle shape: %+v", bundle)
	}
	if *bundle.Total != 4 {
		t.Errorf("expected total 4 (1 patient + 3 reachable), got %d", *bundle.Total)
	}

	var firstResource map[string]interface{}
	json.Unmarshal(bundle.Entry[0].Resource, &firstResource)
	if firstResource["resourceType"] != "Patient" {
		t.Errorf("expected first entry to be Patient, got %v", firstResource["resourceType"])
	}
}

func TestEverything_TypeFilter(t *testing.T) {
	h, repo := newEverythingTestHandler()
	repo.reachable["v-patient-123"] = []*graph.Vertex{
		childVertex("Condition", "cond-1"),
		childVertex("Observation", "obs-1"),
	}

	rec, err := doEverythingRequest(h, "patient-123", "?_type=Condition")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var bundle Bundle
	json.Unmarshal(rec.Body.Bytes(), &bundle)
	if *bundle.Total != 2 {
		t.Errorf("expected total 2 (patient + condition), got %d", *bundle.Total)
	}
	for _, entry := range bundle.Entry {
		var r map[string]interface{}
		json.Unmarshal(entry.Resource, &r)
		if r["resourceType"] == "Observation" {
			t.Error("Observation should have been filtered out by _type=Condition")
		}
	}
}

func TestEverything_ExcludesPlaceholders(t *testing.T) {
	h, repo := newEverythingTestHandler()
	placeholder := childVertex("Practitioner", "ph-1")
	placeholder.Properties["isPlaceholder"] = true
	repo.reachable["v-patient-123"] = []*graph.Vertex{placeholder}

	rec, err := doEverythingRequest(h, "patient-123", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var bundle Bundle
	json.Unmarshal(rec.Body.Bytes(), &bundle)
	if *bundle.Total != 1 {
		t.Errorf("expected only the Patient entry, got total %d", *bundle.Total)
	}
}

func TestEverything_PatientNotFound(t *testing.T) {
	h, _ := newEverythingTestHandler()

	rec, err := doEverythingRequest(h, "nonexistent", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	var outcome OperationOutcome
	json.Unmarshal(rec.Body.Bytes(), &outcome)
	if outcome.ResourceType != "OperationOutcome" {
		t.Errorf("expected resourceType OperationOutcome, got %s", outcome.ResourceType)
	}
	if len(outcome.Issue) == 0 || outcome.Issue[0].Code != "not-found" {
		t.Errorf("expected a not-found issue, got %+v", outcome.Issue)
	}
}

func TestEverything_CountLimit(t *testing.T) {
	h, repo := newEverythingTestHandler()
	repo.reachable["v-patient-123"] = []*graph.Vertex{
		childVertex("Condition", "cond-1"),
		childVertex("Condition", "cond-2"),
		childVertex("Condition", "cond-3"),
	}

	rec, err := doEverythingRequest(h, "patient-123", "?_count=2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var bundle Bundle
	json.Unmarshal(rec.Body.Bytes(), &bundle)
	if *bundle.Total != 3 {
		t.Errorf("expected total 3 (patient + 2 conditions clipped by _count), got %d", *bundle.Total)
	}
}

func TestEverything_InvalidCount(t *testing.T) {
	h, _ := newEverythingTestHandler()
	rec, err := doEverythingRequest(h, "patient-123", "?_count=-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a negative _count, got %d", rec.Code)
	}
}
