package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fhirgraph/server/internal/graph"
)

// HistoryEntry is one row of a resource's version history, projected out of
// a graph vertex. VersionID is carried as the string the vertex stores it
// as rather than converted back to int, since history output only ever
// renders it into URLs and Bundle entries.
type HistoryEntry struct {
	ResourceType string
	FHIRID       string
	VersionID    string
	LastUpdated  string
	JSON         string
	IsDeleted    bool
}

// VreadStatus distinguishes "resource never existed" from "the requested
// version is the resource's deletion tombstone" for vread.
type VreadStatus int

const (
	VreadFound VreadStatus = iota
	VreadGone
	VreadNotFound
)

func vertexToHistoryEntry(resourceType string, v *graph.Vertex) *HistoryEntry {
	fhirID, _ := v.Properties["id"].(string)
	versionID, _ := v.Properties["versionId"].(string)
	lastUpdated, _ := v.Properties["lastUpdated"].(string)
	raw, _ := v.Properties["json"].(string)
	isDeleted, _ := v.Properties["isDeleted"].(bool)
	return &HistoryEntry{
		ResourceType: resourceType,
		FHIRID:       fhirID,
		VersionID:    versionID,
		LastUpdated:  lastUpdated,
		JSON:         raw,
		IsDeleted:    isDeleted,
	}
}

// HistoryService implements the _history and vread read paths over the
// property graph: history.go no longer owns a SQL side-table, versions are
// vertices the versioning engine already wrote.
type HistoryService struct {
	repo      graph.Repo
	validator *Validator
}

// NewHistoryService constructs a HistoryService.
func NewHistoryService(repo graph.Repo, validator *Validator) *HistoryService {
	return &HistoryService{repo: repo, validator: validator}
}

// InstanceHistory returns the version history of a single resource, newest first.
func (s *HistoryService) InstanceHistory(ctx context.Context, resourceType, fhirID string, limit, offset int) ([]*HistoryEntry, int, error) {
	vertices, total, err := s.repo.GetVersionHistory(ctx, resourceType, fhirID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return verticesToHistoryEntries(resourceType, vertices), total, nil
}

// TypeHistory returns history entries across every resource of a given
// type, newest first, optionally filtered to changes since the given
// RFC3339 timestamp.
func (s *HistoryService) TypeHistory(ctx context.Context, resourceType, since string, limit, offset int) ([]*HistoryEntry, int, error) {
	var vertices []*graph.Vertex
	var total int
	var err error
	if since != "" {
		vertices, total, err = s.repo.GetTypeHistorySince(ctx, resourceType, since, limit, offset)
	} else {
		vertices, total, err = s.repo.GetTypeHistory(ctx, resourceType, limit, offset)
	}
	if err != nil {
		return nil, 0, err
	}
	return verticesToHistoryEntries(resourceType, vertices), total, nil
}

// SystemHistory returns history entries across every supported resource
// type, newest first. Unlike InstanceHistory/TypeHistory this has no
// single graph query to delegate to: it fans out across
// Validator.ListSupportedTypes(), merges, sorts, and paginates in process.
func (s *HistoryService) SystemHistory(ctx context.Context, since string, limit, offset int) ([]*HistoryEntry, int, error) {
	var all []*HistoryEntry
	for _, resourceType := range s.validator.ListSupportedTypes() {
		// Pull an unpaginated slice per type; the merge below re-paginates
		// across the union, so each type's own offset/limit don't apply.
		var vertices []*graph.Vertex
		var err error
		if since != "" {
			vertices, _, err = s.repo.GetTypeHistorySince(ctx, resourceType, since, 0, 0)
		} else {
			vertices, _, err = s.repo.GetTypeHistory(ctx, resourceType, 0, 0)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("system history for %s: %w", resourceType, err)
		}
		all = append(all, verticesToHistoryEntries(resourceType, vertices)...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].LastUpdated != all[j].LastUpdated {
			return all[i].LastUpdated > all[j].LastUpdated
		}
		return all[i].VersionID > all[j].VersionID
	})

	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

// Vread fetches one specific version of a resource, distinguishing a
// version that was never created (VreadNotFound) from one belonging to a
// resource that has since been deleted entirely (VreadGone only applies
// when the version requested IS the tombstone; historical versions of a
// now-deleted resource still read back as VreadFound).
func (s *HistoryService) Vread(ctx context.Context, resourceType, fhirID string, versionID int) (*HistoryEntry, VreadStatus, error) {
	vertex, err := s.repo.GetVersion(ctx, resourceType, fhirID, versionID)
	if err != nil {
		return nil, VreadNotFound, err
	}
	if vertex == nil {
		return nil, VreadNotFound, nil
	}
	entry := vertexToHistoryEntry(resourceType, vertex)
	if entry.IsDeleted {
		return entry, VreadGone, nil
	}
	return entry, VreadFound, nil
}

func verticesToHistoryEntries(resourceType string, vertices []*graph.Vertex) []*HistoryEntry {
	entries := make([]*HistoryEntry, len(vertices))
	for i, v := range vertices {
		entries[i] = vertexToHistoryEntry(resourceType, v)
	}
	return entries
}

// HistoryHandler serves FHIR instance, type, and system-level _history
// endpoints, plus vread.
type HistoryHandler struct {
	service *HistoryService
}

// NewHistoryHandler creates a new HistoryHandler.
func NewHistoryHandler(service *HistoryService) *HistoryHandler {
	return &HistoryHandler{service: service}
}

// RegisterRoutes registers the history and vread routes on the given echo group.
func (h *HistoryHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/_history", h.SystemHistory)
	g.GET("/:resourceType/_history", h.TypeHistory)
	g.GET("/:resourceType/:id/_history", h.InstanceHistory)
	g.GET("/:resourceType/:id/_history/:vid", h.Vread)
}

// SystemHistory handles GET /fhir/_history.
func (h *HistoryHandler) SystemHistory(c echo.Context) error {
	limit := parseCountParam(c, 20)
	offset := parseOffsetParam(c)
	since := c.QueryParam("_since")

	entries, total, err := h.service.SystemHistory(c.Request().Context(), since, limit, offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, NewHistoryBundle(entries, total, "/fhir"))
}

// TypeHistory handles GET /fhir/:resourceType/_history.
func (h *HistoryHandler) TypeHistory(c echo.Context) error {
	resourceType := c.Param("resourceType")
	limit := parseCountParam(c, 20)
	offset := parseOffsetParam(c)
	since := c.QueryParam("_since")

	entries, total, err := h.service.TypeHistory(c.Request().Context(), resourceType, since, limit, offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, NewHistoryBundle(entries, total, "/fhir"))
}

// InstanceHistory handles GET /fhir/:resourceType/:id/_history.
func (h *HistoryHandler) InstanceHistory(c echo.Context) error {
	resourceType := c.Param("resourceType")
	fhirID := c.Param("id")
	limit := parseCountParam(c, 20)
	offset := parseOffsetParam(c)

	entries, total, err := h.service.InstanceHistory(c.Request().Context(), resourceType, fhirID, limit, offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, NewHistoryBundle(entries, total, "/fhir"))
}

// Vread handles GET /fhir/:resourceType/:id/_history/:vid.
func (h *HistoryHandler) Vread(c echo.Context) error {
	resourceType := c.Param("resourceType")
	fhirID := c.Param("id")
	versionID, err := strconv.Atoi(c.Param("vid"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome("version id must be an integer"))
	}

	entry, status, err := h.service.Vread(c.Request().Context(), resourceType, fhirID, versionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorOutcome(err.Error()))
	}
	switch status {
	case VreadNotFound:
		return c.JSON(http.StatusNotFound, NotFoundOutcome(resourceType, fhirID))
	case VreadGone:
		return c.JSON(http.StatusGone, ErrorOutcome(fmt.Sprintf("%s/%s has been deleted", resourceType, fhirID)))
	}

	SetVersionHeaders(c, entry.VersionID, entry.LastUpdated)
	return c.JSONBlob(http.StatusOK, []byte(entry.JSON))
}

func parseCountParam(c echo.Context, defaultCount int) int {
	countStr := c.QueryParam("_count")
	if countStr == "" {
		return defaultCount
	}
	count, err := strconv.Atoi(countStr)
	if err != nil || count < 0 {
		return defaultCount
	}
	return count
}

func parseOffsetParam(c echo.Context) int {
	offsetStr := c.QueryParam("_offset")
	if offsetStr == "" {
		return 0
	}
	offset, err := strconv.Atoi(offsetStr)
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

// NewHistoryBundle creates a FHIR Bundle of type "history" from history entries.
func NewHistoryBundle(entries []*HistoryEntry, total int, baseURL string) *Bundle {
	bundleEntries := make([]BundleEntry, len(entries))

	for i, entry := range entries {
		fullURL := fmt.Sprintf("%s/%s/%s/_history/%s", baseURL, entry.ResourceType, entry.FHIRID, entry.VersionID)

		method := "PUT"
		status := "200 OK"
		switch {
		case entry.IsDeleted:
			method = "DELETE"
			status = "204 No Content"
		case entry.VersionID == "1":
			method = "POST"
			status = "201 Created"
		}

		var resource json.RawMessage
		if !entry.IsDeleted && entry.JSON != "" {
			resource = json.RawMessage(entry.JSON)
		}

		var lastModified *time.Time
		if t, err := time.Parse(time.RFC3339, entry.LastUpdated); err == nil {
			lastModified = &t
		}

		bundleEntries[i] = BundleEntry{
			FullURL:  fullURL,
			Resource: resource,
			Request: &BundleRequest{
				Method: method,
				URL:    fmt.Sprintf("%s/%s", entry.ResourceType, entry.FHIRID),
			},
			Response: &BundleResponse{
				Status:       status,
				LastModified: lastModified,
			},
		}
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Entry:        bundleEntries,
	}
}
