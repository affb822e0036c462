package fhir

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ConditionalResult represents the outcome of a conditional search: the
// match count plus enough identity to act on the match(es) found.
type ConditionalResult struct {
	Count   int
	FHIRID  string   // the single match's id, set when Count == 1
	FHIRIDs []string // every matching id, set when Count > 1 (used by multi-delete)
}

// ResourceSearcher is called by conditional operations to find matching resources.
type ResourceSearcher func(c echo.Context, params map[string]string) (*ConditionalResult, error)

// ConditionalCreateMiddleware implements FHIR conditional create (If-None-Exist header).
// If the If-None-Exist header is present, it searches for existing resources matching the criteria.
//   - 0 matches: proceed with create (call next)
//   - 1 match: return 200 OK with an informational OperationOutcome (no
//     create); neither the existing resource nor its id is returned
//   - 2+ matches: return 412 Precondition Failed
func ConditionalCreateMiddleware(searcher ResourceSearcher) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ifNoneExist := c.Request().Header.Get("If-None-Exist")
			if ifNoneExist == "" {
				return next(c)
			}

			params := parseSearchString(ifNoneExist)
			result, err := searcher(c, params)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, ErrorOutcome("conditional search failed: "+err.Error()))
			}

			switch {
			case result.Count == 0:
				return next(c)
			case result.Count == 1:
				return c.JSON(http.StatusOK, map[string]interface{}{
					"resourceType": "OperationOutcome",
					"issue": []map[string]interface{}{{
						"severity":    "information",
						"code":        "duplicate",
						"diagnostics": "resource already exists matching If-None-Exist criteria",
					}},
				})
			default:
				return c.JSON(http.StatusPreconditionFailed, ErrorOutcome(
					"multiple resources match the If-None-Exist criteria"))
			}
		}
	}
}

// ConditionalAction names what a conditional dispatch decided to do next.
// The HTTP-shell handler maps each action to the concrete operation
// (Persistence/Versioning call) and status code.
type ConditionalAction int

const (
	ActionCreate ConditionalAction = iota
	ActionUpdate
	ActionDeleteNone
	ActionDeleteOne
	ActionDeleteAll
	ActionPatchOne
	ActionReject
)

// ConditionalDecision is the result of evaluating a conditional dispatch
// table row against an observed match count.
type ConditionalDecision struct {
	Action  ConditionalAction
	FHIRID  string
	FHIRIDs []string
	Status  int
	Message string
}

// DecideConditionalUpdate implements the conditional update dispatch row:
//   - 0 matches, no id in the body: reject, "no id provided"
//   - 0 matches, id in the body: create a new resource
//   - 1 match, id absent or equal to the match: update that resource
//   - 1 match, id present and different: reject with 400 (id mismatch)
//   - 2+ matches: reject with 412 Precondition Failed
func DecideConditionalUpdate(count int, bodyID string, matchID string) ConditionalDecision {
	switch {
	case count == 0:
		if bodyID == "" {
			return ConditionalDecision{Action: ActionReject, Status: http.StatusBadRequest, Message: "no id provided"}
		}
		return ConditionalDecision{Action: ActionCreate}
	case count == 1:
		if bodyID != "" && bodyID != matchID {
			return ConditionalDecision{Action: ActionReject, Status: http.StatusBadRequest, Message: "id in resource body does not match the resolved resource"}
		}
		return ConditionalDecision{Action: ActionUpdate, FHIRID: matchID}
	default:
		return ConditionalDecision{Action: ActionReject, Status: http.StatusPreconditionFailed, Message: "multiple resources match the conditional update criteria"}
	}
}

// DecideConditionalDelete implements the conditional delete dispatch rows.
// In single mode (allowMultiple=false): 0 matches -> 404, 1 -> delete it,
// 2+ -> 412. In multiple mode (allowMultiple=true): 0 matches -> 204 (no
// matches, nothing to do), any number of matches -> delete them all.
func DecideConditionalDelete(ids []string, allowMultiple bool) ConditionalDecision {
	if !allowMultiple {
		switch len(ids) {
		case 0:
			return ConditionalDecision{Action: ActionDeleteNone, Status: http.StatusNotFound}
		case 1:
			return ConditionalDecision{Action: ActionDeleteOne, FHIRID: ids[0], Status: http.StatusNoContent}
		default:
			return ConditionalDecision{Action: ActionReject, Status: http.StatusPreconditionFailed, Message: "multiple resources match the conditional delete criteria; use multiple-delete mode"}
		}
	}
	if len(ids) == 0 {
		return ConditionalDecision{Action: ActionDeleteNone, Status: http.StatusNoContent}
	}
	return ConditionalDecision{Action: ActionDeleteAll, FHIRIDs: ids, Status: http.StatusNoContent}
}

// DecideConditionalPatch implements the conditional patch dispatch row:
// 0 matches -> 404, 1 -> apply the patch, 2+ -> 412.
func DecideConditionalPatch(ids []string) ConditionalDecision {
	switch len(ids) {
	case 0:
		return ConditionalDecision{Action: ActionReject, Status: http.StatusNotFound}
	case 1:
		return ConditionalDecision{Action: ActionPatchOne, FHIRID: ids[0]}
	default:
		return ConditionalDecision{Action: ActionReject, Status: http.StatusPreconditionFailed, Message: "multiple resources match the conditional patch criteria"}
	}
}

// ConditionalUpdateHandler implements FHIR conditional update.
// PUT /fhir/ResourceType?search-params
func ConditionalUpdateHandler(searcher ResourceSearcher, bodyID func(echo.Context) string, createHandler, updateHandler echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Param("id") != "" {
			return updateHandler(c)
		}

		params := searchParamsFromQuery(c)
		if len(params) == 0 {
			return createHandler(c)
		}

		result, err := searcher(c, params)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorOutcome("conditional search failed: "+err.Error()))
		}

		id := ""
		if bodyID != nil {
			id = bodyID(c)
		}
		decision := DecideConditionalUpdate(result.Count, id, result.FHIRID)
		switch decision.Action {
		case ActionCreate:
			return createHandler(c)
		case ActionUpdate:
			c.SetParamNames("id")
			c.SetParamValues(decision.FHIRID)
			return updateHandler(c)
		default:
			return c.JSON(decision.Status, ErrorOutcome(decision.Message))
		}
	}
}

// ConditionalDeleteHandler implements FHIR conditional delete.
// DELETE /fhir/ResourceType?search-params
func ConditionalDeleteHandler(searcher ResourceSearcher, deleteHandler, deleteAllHandler echo.HandlerFunc, allowMultiple bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Param("id") != "" {
			return deleteHandler(c)
		}

		params := searchParamsFromQuery(c)
		if len(params) == 0 {
			return c.JSON(http.StatusBadRequest, ErrorOutcome("conditional delete requires search parameters"))
		}

		result, err := searcher(c, params)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorOutcome("conditional search failed: "+err.Error()))
		}

		ids := result.FHIRIDs
		if result.Count == 1 && len(ids) == 0 {
			ids = []string{result.FHIRID}
		}
		decision := DecideConditionalDelete(ids, allowMultiple)
		switch decision.Action {
		case ActionDeleteNone:
			return c.NoContent(decision.Status)
		case ActionDeleteOne:
			c.SetParamNames("id")
			c.SetParamValues(decision.FHIRID)
			return deleteHandler(c)
		case ActionDeleteAll:
			c.Set("conditional_delete_ids", decision.FHIRIDs)
			return deleteAllHandler(c)
		default:
			return c.JSON(decision.Status, ErrorOutcome(decision.Message))
		}
	}
}

// searchParamsFromQuery extracts non-underscore query parameters as a flat
// single-valued map, the shape conditional search criteria are expressed in.
func searchParamsFromQuery(c echo.Context) map[string]string {
	params := map[string]string{}
	for k, v := range c.QueryParams() {
		if len(v) > 0 && !strings.HasPrefix(k, "_") {
			params[k] = v[0]
		}
	}
	return params
}

// parseSearchString parses a search query string like "identifier=foo&name=bar" into a map.
func parseSearchString(query string) map[string]string {
	params := map[string]string{}
	query = strings.TrimPrefix(query, "?")
	for _, part := range strings.Split(query, "&") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 {
			params[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return params
}
