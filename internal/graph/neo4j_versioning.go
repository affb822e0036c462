package graph

import (
	"context"
	"fmt"
	"time"
)

// GetCurrentVersion returns the vertex with isCurrent=true for (label, fhirId).
func (r *Neo4jRepo) GetCurrentVersion(ctx context.Context, resourceType, fhirID string) (*Vertex, error) {
	ql, err := quoteLabel(resourceType)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("MATCH (n:%s {id: $id, isCurrent: true}) RETURN n LIMIT 1", ql)
	res, err := r.run(ctx, "read", query, map[string]interface{}{"id": fhirID})
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, nil
	}
	return recordToVertex(resourceType, res.Records[0], "n"), nil
}

// GetVersion returns the specific version vertex, regardless of currency.
func (r *Neo4jRepo) GetVersion(ctx context.Context, resourceType, fhirID string, versionID int) (*Vertex, error) {
	ql, err := quoteLabel(resourceType)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("MATCH (n:%s {id: $id, versionId: $vid}) RETURN n LIMIT 1", ql)
	res, err := r.run(ctx, "read", query, map[string]interface{}{"id": fhirID, "vid": fmt.Sprintf("%d", versionID)})
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, nil
	}
	return recordToVertex(resourceType, res.Records[0], "n"), nil
}

// GetVersionHistory returns every version vertex for (label, fhirId), ordered
// desc by lastUpdated with ties broken by versionId desc, clipped to limit.
func (r *Neo4jRepo) GetVersionHistory(ctx context.Context, resourceType, fhirID string, limit, offset int) ([]*Vertex, int, error) {
	ql, err := quoteLabel(resourceType)
	if err != nil {
		return nil, 0, err
	}
	countQuery := fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN count(n) AS c", ql)
	cres, err := r.run(ctx, "read", countQuery, map[string]interface{}{"id": fhirID})
	if err != nil {
		return nil, 0, err
	}
	total := int(countFromRecords(cres.Records))

	// limit<=0 means unbounded: omit LIMIT entirely rather than emit
	// "LIMIT 0", which Cypher interprets as "return zero rows".
	limitClause := " LIMIT $limit"
	if limit <= 0 {
		limitClause = ""
	}
	query := fmt.Sprintf(`
MATCH (n:%s {id: $id})
RETURN n
ORDER BY n.lastUpdated DESC, toInteger(n.versionId) DESC
SKIP $offset%s
`, ql, limitClause)
	params := map[string]interface{}{"id": fhirID, "offset": int64(offset)}
	if limit > 0 {
		params["limit"] = int64(limit)
	}
	res, err := r.run(ctx, "read", query, params)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Vertex, 0, len(res.Records))
	for _, rec := range res.Records {
		if v := recordToVertex(resourceType, rec, "n"); v != nil {
			out = append(out, v)
		}
	}
	return out, total, nil
}

func (r *Neo4jRepo) typeHistoryQuery(resourceType, sinceClause string, limit int) (string, string, error) {
	ql, err := quoteLabel(resourceType)
	if err != nil {
		return "", "", err
	}
	where := ""
	if sinceClause != "" {
		where = "WHERE n.lastUpdated >= $since"
	}
	countQuery := fmt.Sprintf("MATCH (n:%s) %s RETURN count(n) AS c", ql, where)

	// limit<=0 means unbounded: omit LIMIT entirely rather than emit
	// "LIMIT 0", which Cypher interprets as "return zero rows".
	limitClause := " LIMIT $limit"
	if limit <= 0 {
		limitClause = ""
	}
	query := fmt.Sprintf(`
MATCH (n:%s) %s
RETURN n
ORDER BY n.lastUpdated DESC, toInteger(n.versionId) DESC
SKIP $offset%s
`, ql, where, limitClause)
	return countQuery, query, nil
}

func (r *Neo4jRepo) GetTypeHistory(ctx context.Context, resourceType string, limit, offset int) ([]*Vertex, int, error) {
	return r.getTypeHistorySince(ctx, resourceType, "", limit, offset)
}

func (r *Neo4jRepo) GetTypeHistorySince(ctx context.Context, resourceType string, since string, limit, offset int) ([]*Vertex, int, error) {
	return r.getTypeHistorySince(ctx, resourceType, since, limit, offset)
}

func (r *Neo4jRepo) getTypeHistorySince(ctx context.Context, resourceType, since string, limit, offset int) ([]*Vertex, int, error) {
	countQuery, query, err := r.typeHistoryQuery(resourceType, since, limit)
	if err != nil {
		return nil, 0, err
	}
	params := map[string]interface{}{"offset": int64(offset)}
	if limit > 0 {
		params["limit"] = int64(limit)
	}
	if since != "" {
		params["since"] = since
	}
	cres, err := r.run(ctx, "read", countQuery, params)
	if err != nil {
		return nil, 0, err
	}
	total := int(countFromRecords(cres.Records))

	res, err := r.run(ctx, "read", query, params)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Vertex, 0, len(res.Records))
	for _, rec := range res.Records {
		if v := recordToVertex(resourceType, rec, "n"); v != nil {
			out = append(out, v)
		}
	}
	return out, total, nil
}

// GetNextVersionNumber returns the max existing versionId + 1, or 1 if none exist.
func (r *Neo4jRepo) GetNextVersionNumber(ctx context.Context, resourceType, fhirID string) (int, error) {
	ql, err := quoteLabel(resourceType)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN max(toInteger(n.versionId)) AS maxv", ql)
	res, err := r.run(ctx, "read", query, map[string]interface{}{"id": fhirID})
	if err != nil {
		return 0, err
	}
	if len(res.Records) == 0 {
		return 1, nil
	}
	raw, ok := res.Records[0].Get("maxv")
	if !ok || raw == nil {
		return 1, nil
	}
	n, ok := raw.(int64)
	if !ok {
		return 1, nil
	}
	return int(n) + 1, nil
}

func (r *Neo4jRepo) MarkVersionNonCurrent(ctx context.Context, resourceType, fhirID string, versionID int) error {
	ql, err := quoteLabel(resourceType)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("MATCH (n:%s {id: $id, versionId: $vid}) SET n.isCurrent = false", ql)
	_, err = r.run(ctx, "write", query, map[string]interface{}{"id": fhirID, "vid": fmt.Sprintf("%d", versionID)})
	return err
}

func (r *Neo4jRepo) CreateSupersedesEdge(ctx context.Context, resourceType, fhirID string, fromVersion, toVersion int) error {
	ql, err := quoteLabel(resourceType)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
MATCH (newer:%s {id: $id, versionId: $from}), (older:%s {id: $id, versionId: $to})
CREATE (newer)-[:supersedes]->(older)
`, ql, ql)
	_, err = r.run(ctx, "write", query, map[string]interface{}{
		"id": fhirID, "from": fmt.Sprintf("%d", fromVersion), "to": fmt.Sprintf("%d", toVersion),
	})
	return err
}

// CreateVersionedVertex implements the 5-step algorithm from GraphRepo's
// contract: read next version number, flip the current version (if any) to
// non-current, create the new vertex, link it to its predecessor with a
// supersedes edge, and return it.
func (r *Neo4jRepo) CreateVersionedVertex(ctx context.Context, resourceType, fhirID string, properties map[string]interface{}) (*Vertex, error) {
	next, err := r.GetNextVersionNumber(ctx, resourceType, fhirID)
	if err != nil {
		return nil, err
	}

	current, err := r.GetCurrentVersion(ctx, resourceType, fhirID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		prevVersion, _ := current.Properties["versionId"].(string)
		var prevN int
		fmt.Sscanf(prevVersion, "%d", &prevN)
		if err := r.MarkVersionNonCurrent(ctx, resourceType, fhirID, prevN); err != nil {
			return nil, err
		}
	}

	props := cloneProps(properties)
	props["id"] = fhirID
	props["versionId"] = fmt.Sprintf("%d", next)
	props["lastUpdated"] = nowISO()
	props["isCurrent"] = true

	ql, err := quoteLabel(resourceType)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("CREATE (n:%s $props) RETURN n", ql)
	res, err := r.run(ctx, "versioned", query, map[string]interface{}{"props": props})
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, fmt.Errorf("graph: CreateVersionedVertex produced no record")
	}
	created := recordToVertex(resourceType, res.Records[0], "n")

	if current != nil {
		prevVersion, _ := current.Properties["versionId"].(string)
		var prevN int
		fmt.Sscanf(prevVersion, "%d", &prevN)
		if err := r.CreateSupersedesEdge(ctx, resourceType, fhirID, next, prevN); err != nil {
			return nil, err
		}
	}

	return created, nil
}

// CreateTombstone follows the same flow as CreateVersionedVertex but marks
// isDeleted=true and writes no json. It is a no-op returning (nil, nil) if
// the resource has no current version to tombstone.
func (r *Neo4jRepo) CreateTombstone(ctx context.Context, resourceType, fhirID string) (*Vertex, error) {
	current, err := r.GetCurrentVersion(ctx, resourceType, fhirID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	return r.CreateVersionedVertex(ctx, resourceType, fhirID, map[string]interface{}{
		"resourceType": resourceType,
		"isDeleted":    true,
	})
}

func (r *Neo4jRepo) DeleteAllVersions(ctx context.Context, resourceType, fhirID string) error {
	ql, err := quoteLabel(resourceType)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("MATCH (n:%s {id: $id}) DETACH DELETE n", ql)
	_, err = r.run(ctx, "write", query, map[string]interface{}{"id": fhirID})
	return err
}

func (r *Neo4jRepo) DeleteVersion(ctx context.Context, resourceType, fhirID string, versionID int) error {
	ql, err := quoteLabel(resourceType)
	if err != nil {
		return err
	}
	existing, err := r.GetVersion(ctx, resourceType, fhirID, versionID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("graph: version %d of %s/%s does not exist", versionID, resourceType, fhirID)
	}
	query := fmt.Sprintf("MATCH (n:%s {id: $id, versionId: $vid}) DETACH DELETE n", ql)
	_, err = r.run(ctx, "write", query, map[string]interface{}{"id": fhirID, "vid": fmt.Sprintf("%d", versionID)})
	return err
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
