package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fhirgraph/server/internal/graph"
)

// ErrResourceNotFound is returned when a requested resource has no current version.
var ErrResourceNotFound = errors.New("resource not found")

// everythingMaxHops bounds the Patient/$everything graph traversal: the
// patient vertex plus everything reachable within 3 reference hops.
const everythingMaxHops = 3

// EverythingService implements the Patient/$everything operation over the
// property graph: start at the patient's current vertex and traverse
// outgoing and incoming reference edges up to everythingMaxHops, including
// every non-placeholder vertex reached exactly once.
type EverythingService struct {
	repo graph.Repo
}

// NewEverythingService constructs an EverythingService.
func NewEverythingService(repo graph.Repo) *EverythingService {
	return &EverythingService{repo: repo}
}

// Everything collects the Patient resource and its reachable graph
// neighborhood into a searchset bundle. limit bounds the number of
// non-Patient entries; 0 means unbounded.
func (s *EverythingService) Everything(ctx context.Context, fhirID string, typeFilter map[string]bool, limit int) (*Bundle, error) {
	patientVertex, err := s.repo.GetCurrentVersion(ctx, "Patient", fhirID)
	if err != nil {
		return nil, err
	}
	if patientVertex == nil {
		return nil, ErrResourceNotFound
	}

	reachable, err := s.repo.Traverse(ctx, "Patient", patientVertex.ID, everythingMaxHops, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]BundleEntry, 0, len(reachable)+1)
	entries = append(entries, vertexToBundleEntry("Patient", patientVertex))

	seen := map[string]bool{patientVertex.ID: true}
	for _, v := range reachable {
		if seen[v.ID] {
			continue
		}
		seen[v.ID] = true
		if isPlaceholder, ok := v.Properties["isPlaceholder"].(bool); ok && isPlaceholder {
			continue
		}
		resourceType, _ := v.Properties["resourceType"].(string)
		if resourceType == "" {
			resourceType = v.Label
		}
		if typeFilter != nil && !typeFilter[resourceType] {
			continue
		}
		entries = append(entries, vertexToBundleEntry(resourceType, v))
		if limit > 0 && len(entries) > limit {
			break
		}
	}

	total := len(entries)
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Link:         []BundleLink{{Relation: "self", URL: fmt.Sprintf("Patient/%s/$everything", fhirID)}},
		Entry:        entries,
	}, nil
}

func vertexToBundleEntry(resourceType string, v *graph.Vertex) BundleEntry {
	id, _ := v.Properties["id"].(string)
	raw, _ := v.Properties["json"].(string)
	var resource json.RawMessage
	if raw != "" {
		resource = json.RawMessage(raw)
	} else {
		fallback, _ := json.Marshal(map[string]interface{}{"resourceType": resourceType, "id": id})
		resource = fallback
	}
	return BundleEntry{
		FullURL:  fmt.Sprintf("%s/%s", resourceType, id),
		Resource: resource,
		Search:   &BundleSearch{Mode: "match"},
	}
}

// EverythingHandler serves the Patient/$everything HTTP endpoint.
type EverythingHandler struct {
	service *EverythingService
}

// NewEverythingHandler constructs an EverythingHandler.
func NewEverythingHandler(service *EverythingService) *EverythingHandler {
	return &EverythingHandler{service: service}
}

// RegisterRoutes registers the $everything route on the FHIR group.
func (h *EverythingHandler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.GET("/Patient/:id/$everything", h.Handle)
}

// Handle processes GET /fhir/Patient/:id/$everything.
func (h *EverythingHandler) Handle(c echo.Context) error {
	fhirID := c.Param("id")
	if fhirID == "" {
		return c.JSON(http.StatusBadRequest, ErrorOutcome("patient id is required"))
	}

	var typeFilter map[string]bool
	if typeParam := c.QueryParam("_type"); typeParam != "" {
		typeFilter = make(map[string]bool)
		for _, t := range strings.Split(typeParam, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				typeFilter[t] = true
			}
		}
	}

	countLimit := 0
	if countParam := c.QueryParam("_count"); countParam != "" {
		n, err := strconv.Atoi(countParam)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, ErrorOutcome("_count must be a non-negative integer"))
		}
		countLimit = n
	}

	bundle, err := h.service.Everything(c.Request().Context(), fhirID, typeFilter, countLimit)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			return c.JSON(http.StatusNotFound, NotFoundOutcome("Patient", fhirID))
		}
		return c.JSON(http.StatusInternalServerError, ErrorOutcome(err.Error()))
	}

	return c.JSON(http.StatusOK, bundle)
}
