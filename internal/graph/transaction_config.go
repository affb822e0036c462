package graph

import "time"

// opConfig carries the per-operation-class timeout applied to Cypher queries
// issued by Neo4jRepo. Neo4j's ExecuteQuery API has no per-call timeout
// parameter, so a context.WithTimeout derived from this value is what
// actually bounds the query (see Neo4jRepo.withTimeout).
type opConfig struct {
	Timeout time.Duration
}

// opConfigs holds the recommended timeout per operation class. Read paths get
// a short timeout; versioned writes (which do a read-then-write sequence)
// get more room; traversal, which can fan out, gets the most of the
// request-path classes. The admin class (drop-all) gets longer still.
var opConfigs = map[string]opConfig{
	"read":      {Timeout: 10 * time.Second},
	"write":     {Timeout: 15 * time.Second},
	"versioned": {Timeout: 20 * time.Second},
	"traverse":  {Timeout: 30 * time.Second},
	"health":    {Timeout: 5 * time.Second},
	"admin":     {Timeout: 2 * time.Minute},
}

func configForOp(op string) opConfig {
	if c, ok := opConfigs[op]; ok {
		return c
	}
	return opConfig{Timeout: 15 * time.Second}
}
