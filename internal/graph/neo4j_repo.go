package graph

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"
)

// labelPattern restricts vertex/edge labels to identifiers that are safe to
// interpolate into Cypher (labels cannot be bound as query parameters).
// FHIR resource type names and "fhir:ref:<path>" edge labels both need a
// wider character set than a plain identifier, so backtick-quoting is used
// for the interpolated label and this pattern admits only letters, digits
// and the characters _ : . [ ] -, which rules out backticks and whitespace
// that would otherwise allow escaping the quoted identifier.
var labelPattern = regexp.MustCompile("^[A-Za-z0-9_:.\\[\\]-]+$")

func quoteLabel(label string) (string, error) {
	if label == "" || !labelPattern.MatchString(label) {
		return "", fmt.Errorf("invalid graph label %q", label)
	}
	return "`" + label + "`", nil
}

// Neo4jRepo is the Neo4j-backed implementation of Repo. It issues
// parameterized Cypher through the driver's ExecuteQuery helper, following
// the connection-pool and timeout conventions of the wider example corpus:
// a single long-lived driver verified at startup, per-call context
// deadlines standing in for Bolt's lack of a native per-query timeout knob.
type Neo4jRepo struct {
	driver   neo4j.DriverWithContext
	database string
	logger   zerolog.Logger
}

// Neo4jConfig configures the driver constructed by NewNeo4jRepo.
type Neo4jConfig struct {
	URI                       string
	Username                  string
	Password                  string
	Database                  string
	EnableSSL                 bool
	PoolSize                  int
	MaxInProcessPerConnection int
}

// NewNeo4jRepo dials the configured Neo4j instance and verifies connectivity
// before returning, so that misconfiguration fails at startup rather than on
// the first request.
func NewNeo4jRepo(ctx context.Context, cfg Neo4jConfig, logger zerolog.Logger) (*Neo4jRepo, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("graph: uri is required")
	}
	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *neo4j.Config) {
			if cfg.PoolSize > 0 {
				c.MaxConnectionPoolSize = cfg.PoolSize
			}
			// maxInProcessPerConnection has no direct Bolt-protocol
			// equivalent; it is approximated as extra headroom on the
			// acquisition timeout so a busy pool doesn't fail requests that
			// would otherwise just queue behind in-flight work.
			if cfg.MaxInProcessPerConnection > 0 {
				c.ConnectionAcquisitionTimeout = time.Duration(cfg.MaxInProcessPerConnection) * time.Second
			}
			c.SocketConnectTimeout = 5 * time.Second
			c.SocketKeepalive = true
		})
	if err != nil {
		return nil, fmt.Errorf("graph: create driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("graph: connect to %s: %w", cfg.URI, err)
	}

	return &Neo4jRepo{driver: driver, database: database, logger: logger.With().Str("component", "graph").Logger()}, nil
}

func (r *Neo4jRepo) withTimeout(ctx context.Context, op string) (context.Context, context.CancelFunc) {
	cfg := configForOp(op)
	return context.WithTimeout(ctx, cfg.Timeout)
}

func (r *Neo4jRepo) run(ctx context.Context, op, query string, params map[string]interface{}) (*neo4j.EagerResult, error) {
	qctx, cancel := r.withTimeout(ctx, op)
	defer cancel()

	result, err := neo4j.ExecuteQuery(qctx, r.driver, query, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(r.database))
	if err != nil {
		return nil, wrapErr(op, err)
	}
	return result, nil
}

func (r *Neo4jRepo) Close(ctx context.Context) error {
	return wrapErr("close", r.driver.Close(ctx))
}

func (r *Neo4jRepo) HealthCheck(ctx context.Context) error {
	qctx, cancel := r.withTimeout(ctx, "health")
	defer cancel()
	return wrapErr("health", r.driver.VerifyConnectivity(qctx))
}

// --- vertex materialization -------------------------------------------------

func recordToVertex(label string, rec *neo4j.Record, key string) *Vertex {
	raw, ok := rec.Get(key)
	if !ok || raw == nil {
		return nil
	}
	node, ok := raw.(neo4j.Node)
	if !ok {
		return nil
	}
	props := make(map[string]interface{}, len(node.Props))
	for k, v := range node.Props {
		props[k] = unwrapSingleton(v)
	}
	id, _ := props["id"].(string)
	return &Vertex{Label: label, ID: id, Properties: props}
}

// unwrapSingleton collapses a length-1 list into its scalar element, per
// GraphRepo's contract that singleton lists returned by the backend are
// unwrapped while genuinely multi-valued lists are preserved.
func unwrapSingleton(v interface{}) interface{} {
	if list, ok := v.([]interface{}); ok && len(list) == 1 {
		return list[0]
	}
	return v
}

// --- AddVertex / GetVertexByID / UpdateVertexProperties / DeleteVertex -----

func (r *Neo4jRepo) AddVertex(ctx context.Context, label string, properties map[string]interface{}) (string, error) {
	ql, err := quoteLabel(label)
	if err != nil {
		return "", err
	}
	props := cloneProps(properties)
	id, ok := props["id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("graph: AddVertex requires a string \"id\" property")
	}
	query := fmt.Sprintf("CREATE (n:%s $props) RETURN n", ql)
	res, err := r.run(ctx, "write", query, map[string]interface{}{"props": props})
	if err != nil {
		return "", err
	}
	if len(res.Records) == 0 {
		return "", fmt.Errorf("graph: AddVertex returned no record")
	}
	return id, nil
}

func (r *Neo4jRepo) GetVertexByID(ctx context.Context, label, id string) (*Vertex, error) {
	ql, err := quoteLabel(label)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN n LIMIT 1", ql)
	res, err := r.run(ctx, "read", query, map[string]interface{}{"id": id})
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, nil
	}
	return recordToVertex(label, res.Records[0], "n"), nil
}

func (r *Neo4jRepo) UpdateVertexProperties(ctx context.Context, label, id string, properties map[string]interface{}) error {
	ql, err := quoteLabel(label)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("MATCH (n:%s {id: $id}) SET n += $props RETURN n", ql)
	res, err := r.run(ctx, "write", query, map[string]interface{}{"id": id, "props": cloneProps(properties)})
	if err != nil {
		return err
	}
	if len(res.Records) == 0 {
		return fmt.Errorf("graph: vertex %s/%s not found", label, id)
	}
	return nil
}

func (r *Neo4jRepo) DeleteVertex(ctx context.Context, label, id string) error {
	ql, err := quoteLabel(label)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("MATCH (n:%s {id: $id}) DETACH DELETE n", ql)
	_, err = r.run(ctx, "write", query, map[string]interface{}{"id": id})
	return err
}

func (r *Neo4jRepo) CountVertices(ctx context.Context, label string) (int64, error) {
	return r.CountVerticesByLabel(ctx, label)
}

func (r *Neo4jRepo) CountVerticesByLabel(ctx context.Context, label string) (int64, error) {
	ql, err := quoteLabel(label)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("MATCH (n:%s) RETURN count(n) AS c", ql)
	res, err := r.run(ctx, "read", query, nil)
	if err != nil {
		return 0, err
	}
	return countFromRecords(res.Records), nil
}

func (r *Neo4jRepo) GetVerticesByLabel(ctx context.Context, label string, limit, offset int) ([]*Vertex, error) {
	ql, err := quoteLabel(label)
	if err != nil {
		return nil, err
	}

	// limit<=0 means unbounded: omit LIMIT entirely rather than emit
	// "LIMIT 0", which Cypher interprets as "return zero rows".
	query := fmt.Sprintf("MATCH (n:%s) RETURN n SKIP $offset", ql)
	params := map[string]interface{}{"offset": int64(offset)}
	if limit > 0 {
		query = fmt.Sprintf("MATCH (n:%s) RETURN n SKIP $offset LIMIT $limit", ql)
		params["limit"] = int64(limit)
	}
	res, err := r.run(ctx, "read", query, params)
	if err != nil {
		return nil, err
	}
	out := make([]*Vertex, 0, len(res.Records))
	for _, rec := range res.Records {
		if v := recordToVertex(label, rec, "n"); v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *Neo4jRepo) DropAll(ctx context.Context) error {
	_, err := r.run(ctx, "admin", "MATCH (n) DETACH DELETE n", nil)
	return err
}

// --- property-keyed lookups -------------------------------------------------

func (r *Neo4jRepo) GetVertexByLabelAndProperty(ctx context.Context, label, key string, value interface{}) (*Vertex, error) {
	ql, err := quoteLabel(label)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("MATCH (n:%s) WHERE toString(n.%s) = toString($value) RETURN n ORDER BY elementId(n) LIMIT 1", ql, propIdent(key))
	res, err := r.run(ctx, "read", query, map[string]interface{}{"value": value})
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, nil
	}
	return recordToVertex(label, res.Records[0], "n"), nil
}

func (r *Neo4jRepo) GetVertexIDByLabelAndProperty(ctx context.Context, label, key string, value interface{}) (string, error) {
	v, err := r.GetVertexByLabelAndProperty(ctx, label, key, value)
	if err != nil || v == nil {
		return "", err
	}
	return v.ID, nil
}

// UpsertVertexByProperty finds a vertex by (label, key=value); if found, its
// properties are merged with the supplied ones and the call reports found=true.
// Otherwise a new vertex is created from properties (which must include the
// matched key) and found=false is reported.
func (r *Neo4jRepo) UpsertVertexByProperty(ctx context.Context, label, key string, value interface{}, properties map[string]interface{}) (string, bool, error) {
	ql, err := quoteLabel(label)
	if err != nil {
		return "", false, err
	}
	props := cloneProps(properties)
	props[key] = value
	query := fmt.Sprintf(`
OPTIONAL MATCH (prev:%s {%s: $value})
WITH count(prev) > 0 AS existed
MERGE (n:%s {%s: $value})
ON CREATE SET n += $props, n.%s = $value
ON MATCH SET n += $props, n.%s = $value
RETURN n, existed
`, ql, propIdent(key), ql, propIdent(key), propIdent(key), propIdent(key))
	res, err := r.run(ctx, "write", query, map[string]interface{}{"value": value, "props": props})
	if err != nil {
		return "", false, err
	}
	if len(res.Records) == 0 {
		return "", false, fmt.Errorf("graph: upsert produced no record")
	}
	v := recordToVertex(label, res.Records[0], "n")
	if v == nil {
		return "", false, fmt.Errorf("graph: upsert returned no vertex")
	}
	existedRaw, _ := res.Records[0].Get("existed")
	existed, _ := existedRaw.(bool)
	return v.ID, existed, nil
}

// --- edges -------------------------------------------------------------------

func (r *Neo4jRepo) AddEdge(ctx context.Context, label, out, in string, properties map[string]interface{}) error {
	ql, err := quoteLabel(label)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
MATCH (o {id: $out}), (i {id: $in})
CREATE (o)-[e:%s]->(i)
SET e = $props
`, ql)
	_, err = r.run(ctx, "write", query, map[string]interface{}{"out": out, "in": in, "props": cloneProps(properties)})
	return err
}

func (r *Neo4jRepo) AddEdgeByProperty(ctx context.Context, label string, outLabel, outKey string, outValue interface{}, in string, properties map[string]interface{}) error {
	oql, err := quoteLabel(outLabel)
	if err != nil {
		return err
	}
	eql, err := quoteLabel(label)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
MATCH (o:%s), (i {id: $in})
WHERE toString(o.%s) = toString($outValue)
CREATE (o)-[e:%s]->(i)
SET e = $props
`, oql, propIdent(outKey), eql)
	_, err = r.run(ctx, "write", query, map[string]interface{}{"outValue": outValue, "in": in, "props": cloneProps(properties)})
	return err
}

func (r *Neo4jRepo) EdgeExists(ctx context.Context, label, out, in string) (bool, error) {
	ql, err := quoteLabel(label)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
MATCH (o {id: $out})-[e:%s]->(i {id: $in})
RETURN count(e) AS c
`, ql)
	res, err := r.run(ctx, "read", query, map[string]interface{}{"out": out, "in": in})
	if err != nil {
		return false, err
	}
	return countFromRecords(res.Records) > 0, nil
}

func (r *Neo4jRepo) GetEdgesForVertex(ctx context.Context, label, id string) ([]*Edge, error) {
	ql, err := quoteLabel(label)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
MATCH (n:%s {id: $id})
OPTIONAL MATCH (n)-[eo]->(to)
OPTIONAL MATCH (fi)-[ei]->(n)
RETURN collect(DISTINCT {rel: eo, target: to, dir: 'out'}) + collect(DISTINCT {rel: ei, target: fi, dir: 'in'}) AS edges
`, ql)
	res, err := r.run(ctx, "read", query, map[string]interface{}{"id": id})
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, nil
	}
	raw, ok := res.Records[0].Get("edges")
	if !ok {
		return nil, nil
	}
	items, _ := raw.([]interface{})
	out := make([]*Edge, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		relRaw, _ := m["rel"]
		targetRaw, _ := m["target"]
		rel, ok := relRaw.(neo4j.Relationship)
		if !ok {
			continue
		}
		target, ok := targetRaw.(neo4j.Node)
		if !ok {
			continue
		}
		dir, _ := m["dir"].(string)
		targetID, _ := target.Props["id"].(string)
		props := make(map[string]interface{}, len(rel.Props))
		for k, v := range rel.Props {
			props[k] = unwrapSingleton(v)
		}
		e := &Edge{Label: rel.Type, Properties: props}
		if dir == "out" {
			e.Out, e.In = id, targetID
		} else {
			e.Out, e.In = targetID, id
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Neo4jRepo) neighbors(ctx context.Context, label, id, edgeLabel, direction string) ([]*Vertex, error) {
	ql, err := quoteLabel(label)
	if err != nil {
		return nil, err
	}
	var pattern string
	if edgeLabel != "" {
		eql, qerr := quoteLabel(edgeLabel)
		if qerr != nil {
			return nil, qerr
		}
		if direction == "out" {
			pattern = fmt.Sprintf("(n:%s {id: $id})-[:%s]->(m)", ql, eql)
		} else {
			pattern = fmt.Sprintf("(n:%s {id: $id})<-[:%s]-(m)", ql, eql)
		}
	} else {
		if direction == "out" {
			pattern = fmt.Sprintf("(n:%s {id: $id})-->(m)", ql)
		} else {
			pattern = fmt.Sprintf("(n:%s {id: $id})<--(m)", ql)
		}
	}
	query := fmt.Sprintf("MATCH %s RETURN DISTINCT m, labels(m) AS lbls", pattern)
	res, err := r.run(ctx, "read", query, map[string]interface{}{"id": id})
	if err != nil {
		return nil, err
	}
	return recordsToVertices(res.Records)
}

func (r *Neo4jRepo) GetOutNeighbors(ctx context.Context, label, id, edgeLabel string) ([]*Vertex, error) {
	return r.neighbors(ctx, label, id, edgeLabel, "out")
}

func (r *Neo4jRepo) GetInNeighbors(ctx context.Context, label, id, edgeLabel string) ([]*Vertex, error) {
	return r.neighbors(ctx, label, id, edgeLabel, "in")
}

// Traverse performs a bounded BFS outward from (fromLabel, fromID), ignoring
// edge direction and label (reference edges run source->target; supersedes
// edges are audit-only and are excluded so history chains never leak into a
// compartment walk).
func (r *Neo4jRepo) Traverse(ctx context.Context, fromLabel, fromID string, maxHops, limit int) ([]*Vertex, error) {
	ql, err := quoteLabel(fromLabel)
	if err != nil {
		return nil, err
	}
	if maxHops <= 0 {
		maxHops = 1
	}
	query := fmt.Sprintf(`
MATCH (start:%s {id: $id})
CALL {
  WITH start
  MATCH path = (start)-[r*1..%d]-(m)
  WHERE NONE(rel IN r WHERE type(rel) = 'supersedes') AND (m.isPlaceholder IS NULL OR m.isPlaceholder = false)
  RETURN DISTINCT m
}
RETURN m, labels(m) AS lbls
`, ql, maxHops)
	// limit<=0 means unbounded: omit LIMIT entirely rather than emit
	// "LIMIT 0", which Cypher interprets as "return zero rows".
	params := map[string]interface{}{"id": fromID}
	if limit > 0 {
		query += "LIMIT $limit\n"
		params["limit"] = int64(limit)
	}
	res, err := r.run(ctx, "traverse", query, params)
	if err != nil {
		return nil, err
	}
	return recordsToVertices(res.Records)
}

func recordsToVertices(records []*neo4j.Record) ([]*Vertex, error) {
	out := make([]*Vertex, 0, len(records))
	for _, rec := range records {
		nodeRaw, ok := rec.Get("m")
		if !ok {
			continue
		}
		node, ok := nodeRaw.(neo4j.Node)
		if !ok {
			continue
		}
		label := ""
		if lblsRaw, ok := rec.Get("lbls"); ok {
			if lbls, ok := lblsRaw.([]interface{}); ok && len(lbls) > 0 {
				label, _ = lbls[0].(string)
			}
		}
		props := make(map[string]interface{}, len(node.Props))
		for k, v := range node.Props {
			props[k] = unwrapSingleton(v)
		}
		id, _ := props["id"].(string)
		out = append(out, &Vertex{Label: label, ID: id, Properties: props})
	}
	return out, nil
}

func countFromRecords(records []*neo4j.Record) int64 {
	if len(records) == 0 {
		return 0
	}
	raw, ok := records[0].Get("c")
	if !ok {
		return 0
	}
	n, ok := raw.(int64)
	if !ok {
		return 0
	}
	return n
}

func cloneProps(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// propIdent guards against injecting through a property key, which (unlike
// values) cannot be bound as a Cypher parameter either.
func propIdent(key string) string {
	if !labelPattern.MatchString(key) {
		return "`invalid`"
	}
	return "`" + key + "`"
}
