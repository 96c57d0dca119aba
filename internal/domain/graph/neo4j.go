package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"
)

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// Neo4jProjector mirrors patient graphs into Neo4j. Nodes and edges are
// merged on their ids, so projecting the same graph twice is a no-op.
type Neo4jProjector struct {
	driver   neo4j.DriverWithContext
	database string
	logger   zerolog.Logger
}

func NewNeo4jProjector(ctx context.Context, cfg Neo4jConfig, logger zerolog.Logger) (*Neo4jProjector, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""), func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = 10
		c.ConnectionAcquisitionTimeout = 30 * time.Second
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	verifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connect: %w", err)
	}
	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}
	logger.Info().Str("uri", cfg.URI).Str("database", database).Msg("connected to neo4j")
	return &Neo4jProjector{driver: driver, database: database, logger: logger}, nil
}

type cypherStatement struct {
	cypher string
	params map[string]any
}

const mergeNodeCypher = `MERGE (n:KGNode {id: $id})
SET n.patient_id = $patient_id, n.node_type = $node_type, n.concept_id = $concept_id,
    n.label = $label, n += $properties`

const mergeEdgeCypher = `MATCH (s:KGNode {id: $source}), (t:KGNode {id: $target})
MERGE (s)-[r:RELATES {id: $id}]->(t)
SET r.edge_type = $edge_type, r.patient_id = $patient_id, r.fact_id = $fact_id, r += $properties`

// projectionStatements renders g as MERGE statements, nodes first.
func projectionStatements(g *PatientGraph) []cypherStatement {
	out := make([]cypherStatement, 0, len(g.Nodes)+len(g.Edges))
	for _, n := range g.Nodes {
		out = append(out, cypherStatement{cypher: mergeNodeCypher, params: map[string]any{
			"id":         n.ID.String(),
			"patient_id": n.PatientID,
			"node_type":  string(n.Type),
			"concept_id": n.ConceptID,
			"label":      n.Label,
			"properties": neo4jProperties(n.Properties),
		}})
	}
	for _, e := range g.Edges {
		var factID any
		if e.FactID != nil {
			factID = e.FactID.String()
		}
		out = append(out, cypherStatement{cypher: mergeEdgeCypher, params: map[string]any{
			"id":         e.ID.String(),
			"source":     e.SourceID.String(),
			"target":     e.TargetID.String(),
			"edge_type":  string(e.Type),
			"patient_id": e.PatientID,
			"fact_id":    factID,
			"properties": neo4jProperties(e.Properties),
		}})
	}
	return out
}

// neo4jProperties keeps only values Neo4j can store as properties.
func neo4jProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		switch x := v.(type) {
		case string, bool, int64, float64:
			out[k] = x
		case int:
			out[k] = int64(x)
		case nil:
		default:
			out[k] = fmt.Sprint(x)
		}
	}
	return out
}

// Project writes g in a single transaction.
func (p *Neo4jProjector) Project(ctx context.Context, g *PatientGraph) error {
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: p.database, AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	stmts := projectionStatements(g)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, s := range stmts {
			res, err := tx.Run(ctx, s.cypher, s.params)
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("neo4j project %s: %w", g.PatientID, err)
	}
	p.logger.Info().
		Str("patient_id", g.PatientID).
		Int("nodes", len(g.Nodes)).
		Int("edges", len(g.Edges)).
		Msg("graph mirrored to neo4j")
	return nil
}

func (p *Neo4jProjector) Close(ctx context.Context) error {
	return p.driver.Close(ctx)
}
