package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// BundleProcessor processes a single bundle entry and returns the response
// entry. The method, resourceType, and resourceID are parsed from the
// entry's request.
type BundleProcessor interface {
	ProcessEntry(c echo.Context, method, resourceType, resourceID string, resource json.RawMessage) (BundleEntry, error)
}

// entryNotFoundError marks an entry failure as "the target resource
// doesn't exist" so batch/transaction processing can surface it as 404 /
// OperationOutcome(code=not-found) instead of a generic 400.
type entryNotFoundError struct {
	resourceType, id string
}

func (e *entryNotFoundError) Error() string {
	return fmt.Sprintf("%s/%s not found", e.resourceType, e.id)
}

// FHIRBundleProcessor dispatches bundle entries onto the graph-backed
// Persistence and JsonPatch paths: GET reads, POST/PUT upsert, DELETE hard
// deletes, PATCH applies a JSON Patch document before re-validating.
type FHIRBundleProcessor struct {
	persistence *Persistence
	logger      zerolog.Logger
}

// NewFHIRBundleProcessor constructs a FHIRBundleProcessor.
func NewFHIRBundleProcessor(persistence *Persistence, logger zerolog.Logger) *FHIRBundleProcessor {
	return &FHIRBundleProcessor{persistence: persistence, logger: logger}
}

func (p *FHIRBundleProcessor) ProcessEntry(c echo.Context, method, resourceType, resourceID string, resource json.RawMessage) (BundleEntry, error) {
	ctx := context.Background()
	if c != nil {
		ctx = c.Request().Context()
	}
	now := time.Now().UTC()

	switch method {
	case "GET":
		if resourceType == "" || resourceID == "" {
			return BundleEntry{}, fmt.Errorf("GET entry requires Type/Id, got %q/%q", resourceType, resourceID)
		}
		raw, found, err := p.persistence.GetByResourceTypeAndID(ctx, resourceType, resourceID)
		if err != nil {
			return BundleEntry{}, err
		}
		if !found {
			return BundleEntry{}, &entryNotFoundError{resourceType: resourceType, id: resourceID}
		}
		return BundleEntry{
			FullURL:  fmt.Sprintf("%s/%s", resourceType, resourceID),
			Resource: json.RawMessage(raw),
			Response: &BundleResponse{Status: "200 OK", LastModified: &now},
		}, nil

	case "POST", "PUT":
		doc, err := decodeResourceEntry(resource)
		if err != nil {
			return BundleEntry{}, err
		}
		if method == "PUT" && resourceID != "" {
			doc["id"] = resourceID
		}
		result, err := p.persistence.ValidateAndPersist(ctx, doc, true, true)
		if err != nil {
			return BundleEntry{}, err
		}
		status := "200 OK"
		if method == "POST" {
			status = "201 Created"
		}
		raw, _ := json.Marshal(doc)
		return BundleEntry{
			FullURL:  fmt.Sprintf("%s/%s", resourceType, result.FHIRID),
			Resource: raw,
			Response: &BundleResponse{
				Status:       status,
				Location:     fmt.Sprintf("%s/%s", resourceType, result.FHIRID),
				LastModified: &now,
			},
		}, nil

	case "DELETE":
		if resourceType == "" || resourceID == "" {
			return BundleEntry{}, fmt.Errorf("DELETE entry requires Type/Id, got %q/%q", resourceType, resourceID)
		}
		found, err := p.persistence.DeleteByResourceTypeAndID(ctx, resourceType, resourceID)
		if err != nil {
			return BundleEntry{}, err
		}
		if !found {
			return BundleEntry{}, &entryNotFoundError{resourceType: resourceType, id: resourceID}
		}
		return BundleEntry{Response: &BundleResponse{Status: "204 No Content", LastModified: &now}}, nil

	case "PATCH":
		if resourceType == "" || resourceID == "" {
			return BundleEntry{}, fmt.Errorf("PATCH entry requires Type/Id, got %q/%q", resourceType, resourceID)
		}
		raw, found, err := p.persistence.GetByResourceTypeAndID(ctx, resourceType, resourceID)
		if err != nil {
			return BundleEntry{}, err
		}
		if !found {
			return BundleEntry{}, &entryNotFoundError{resourceType: resourceType, id: resourceID}
		}
		var existing map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			return BundleEntry{}, fmt.Errorf("decode existing resource: %w", err)
		}
		ops, err := ParseJSONPatch(resource)
		if err != nil {
			return BundleEntry{}, fmt.Errorf("decode patch document: %w", err)
		}
		patched, err := ApplyJSONPatch(existing, ops)
		if err != nil {
			return BundleEntry{}, fmt.Errorf("apply patch: %w", err)
		}
		result, err := p.persistence.ValidateAndPersist(ctx, patched, true, true)
		if err != nil {
			return BundleEntry{}, err
		}
		patchedRaw, _ := json.Marshal(patched)
		return BundleEntry{
			FullURL:  fmt.Sprintf("%s/%s", resourceType, result.FHIRID),
			Resource: patchedRaw,
			Response: &BundleResponse{Status: "200 OK", LastModified: &now},
		}, nil

	default:
		return BundleEntry{}, fmt.Errorf("unsupported method: %s", method)
	}
}

func decodeResourceEntry(raw json.RawMessage) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	return doc, nil
}

// parseEntryRequest extracts the HTTP method, resource type, and resource
// ID from a bundle entry's request.
func parseEntryRequest(entry BundleEntry) (method, resourceType, resourceID string) {
	if entry.Request == nil {
		return "", "", ""
	}
	method = strings.ToUpper(entry.Request.Method)

	url := strings.TrimPrefix(entry.Request.URL, "/")
	if idx := strings.Index(url, "?"); idx != -1 {
		url = url[:idx]
	}
	parts := strings.SplitN(url, "/", 2)
	if len(parts) >= 1 {
		resourceType = parts[0]
	}
	if len(parts) >= 2 {
		resourceID = parts[1]
	}
	return method, resourceType, resourceID
}

// DefaultBundleProcessor is a stub BundleProcessor used where no real
// domain wiring is available (e.g. pure routing tests).
type DefaultBundleProcessor struct{}

func (p *DefaultBundleProcessor) ProcessEntry(c echo.Context, method, resourceType, resourceID string, resource json.RawMessage) (BundleEntry, error) {
	now := time.Now().UTC()
	var status, location string
	switch method {
	case "POST":
		status, location = "201 Created", fmt.Sprintf("%s/%s", resourceType, resourceID)
	case "PUT":
		status, location = "200 OK", fmt.Sprintf("%s/%s", resourceType, resourceID)
	case "DELETE":
		status = "204 No Content"
	case "GET":
		status = "200 OK"
	default:
		return BundleEntry{}, fmt.Errorf("unsupported method: %s", method)
	}
	return BundleEntry{
		Response: &BundleResponse{Status: status, Location: location, LastModified: &now},
		Resource: resource,
	}, nil
}

// entryOrderClass implements the DELETE→POST→PUT/PATCH→GET transaction
// ordering the FHIR spec requires: entries are stable-sorted into this
// class order before processing, while responses are reassembled in the
// bundle's original entry order.
func entryOrderClass(method string) int {
	switch method {
	case "DELETE":
		return 0
	case "POST":
		return 1
	case "PUT", "PATCH":
		return 2
	case "GET":
		return 3
	default:
		return 4
	}
}

// BundleHandler handles FHIR Bundle operations (transaction and batch).
type BundleHandler struct {
	processor BundleProcessor
	logger    zerolog.Logger
}

// NewBundleHandler constructs a BundleHandler.
func NewBundleHandler(processor BundleProcessor, logger zerolog.Logger) *BundleHandler {
	return &BundleHandler{processor: processor, logger: logger}
}

// RegisterRoutes registers the bundle processing endpoint.
func (h *BundleHandler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.POST("", h.ProcessBundle)
}

// ProcessBundle handles POST /fhir with a Bundle of type "transaction" or "batch".
func (h *BundleHandler) ProcessBundle(c echo.Context) error {
	var bundle Bundle
	if err := json.NewDecoder(c.Request().Body).Decode(&bundle); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome("invalid Bundle JSON: "+err.Error()))
	}
	if bundle.ResourceType != "Bundle" {
		return c.JSON(http.StatusBadRequest, ErrorOutcome("request body must be a Bundle resource"))
	}

	switch bundle.Type {
	case "transaction":
		return h.processTransaction(c, &bundle)
	case "batch":
		return h.processBatch(c, &bundle)
	default:
		return c.JSON(http.StatusBadRequest, ErrorOutcome(
			fmt.Sprintf("unsupported bundle type %q; expected 'transaction' or 'batch'", bundle.Type)))
	}
}

// processTransaction orders entries DELETE→POST→PUT/PATCH→GET, processes
// them in that order, and fails the entire bundle on the first entry
// error. The graph backend offers no multi-step rollback: once any entry
// has written, a later failure is reported as 500 with the prior writes
// left in place; a failure before any write is reported as 400.
func (h *BundleHandler) processTransaction(c echo.Context, bundle *Bundle) error {
	type indexed struct {
		index                        int
		method, resourceType, fhirID string
		entry                        BundleEntry
	}
	ordered := make([]indexed, len(bundle.Entry))
	for i, entry := range bundle.Entry {
		method, resourceType, resourceID := parseEntryRequest(entry)
		ordered[i] = indexed{index: i, method: method, resourceType: resourceType, fhirID: resourceID, entry: entry}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return entryOrderClass(ordered[i].method) < entryOrderClass(ordered[j].method)
	})

	responses := make([]BundleEntry, len(bundle.Entry))
	fullURLTable := map[string]FullURLAssignment{}
	wrote := false

	for _, item := range ordered {
		respEntry, err := h.processor.ProcessEntry(c, item.method, item.resourceType, item.fhirID, item.entry.Resource)
		if err != nil {
			status := http.StatusBadRequest
			issueType := IssueTypeProcessing
			var notFound *entryNotFoundError
			if errors.As(err, &notFound) {
				issueType = IssueTypeNotFound
			}
			if wrote {
				status = http.StatusInternalServerError
			}
			return c.JSON(status, NewOutcomeBuilder().
				AddIssue(IssueSeverityError, issueType,
					fmt.Sprintf("transaction failed at entry[%d]: %s", item.index, err.Error())).
				Build())
		}
		if item.method == "POST" || item.method == "PUT" || item.method == "PATCH" || item.method == "DELETE" {
			wrote = true
		}
		if item.entry.FullURL != "" && respEntry.Response != nil && respEntry.Response.Location != "" {
			parts := strings.SplitN(respEntry.Response.Location, "/", 2)
			if len(parts) == 2 {
				fullURLTable[item.entry.FullURL] = FullURLAssignment{ResourceType: parts[0], FHIRID: parts[1]}
			}
		}
		responses[item.index] = respEntry
	}

	h.logger.Debug().Int("entries", len(fullURLTable)).Msg("transaction bundle fullUrl table recorded")
	return c.JSON(http.StatusOK, NewTransactionResponse(responses))
}

// processBatch processes each entry independently; a failing entry yields
// an OperationOutcome in its own response slot while the rest proceed.
func (h *BundleHandler) processBatch(c echo.Context, bundle *Bundle) error {
	responses := make([]BundleEntry, len(bundle.Entry))

	for i, entry := range bundle.Entry {
		method, resourceType, resourceID := parseEntryRequest(entry)
		respEntry, err := h.processor.ProcessEntry(c, method, resourceType, resourceID, entry.Resource)
		if err != nil {
			now := time.Now().UTC()
			status := "400 Bad Request"
			outcome := ErrorOutcome(err.Error())
			var notFound *entryNotFoundError
			if errors.As(err, &notFound) {
				status = "404 Not Found"
				outcome = NotFoundOutcome(notFound.resourceType, notFound.id)
			}
			outcomeData, _ := json.Marshal(outcome)
			responses[i] = BundleEntry{
				Response: &BundleResponse{Status: status, LastModified: &now, Outcome: outcome},
				Resource: outcomeData,
			}
			continue
		}
		responses[i] = respEntry
	}

	return c.JSON(http.StatusOK, NewBatchResponse(responses))
}

// FullURLAssignment records what (resourceType, fhirId) a bundle-local
// fullUrl was assigned during a transaction. Intra-bundle reference
// rewriting against this table is left as a follow-on (see design notes);
// the table itself is always built so a future pass has what it needs.
type FullURLAssignment struct {
	ResourceType string
	FHIRID       string
}
