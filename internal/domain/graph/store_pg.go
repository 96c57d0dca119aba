package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/normalizer/internal/platform/db"
)

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

const nodeCols = `id, patient_id, node_type, concept_id, label, properties, created_at`

const edgeCols = `id, patient_id, source_node_id, target_node_id, edge_type, fact_id, properties, created_at`

// conceptArg maps the hub's zero concept id to NULL.
func conceptArg(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func (s *PGStore) FindNode(ctx context.Context, key NodeKey) (*Node, error) {
	if key.Type == NodePatient {
		return scanNode(s.conn(ctx).QueryRow(ctx,
			`SELECT `+nodeCols+` FROM kg_node WHERE patient_id = $1 AND node_type = 'patient'`, key.PatientID))
	}
	return scanNode(s.conn(ctx).QueryRow(ctx,
		`SELECT `+nodeCols+` FROM kg_node WHERE patient_id = $1 AND node_type = $2 AND concept_id = $3`,
		key.PatientID, key.Type, key.ConceptID))
}

func (s *PGStore) FindEdge(ctx context.Context, key EdgeKey) (*Edge, error) {
	return scanEdge(s.conn(ctx).QueryRow(ctx,
		`SELECT `+edgeCols+` FROM kg_edge WHERE source_node_id = $1 AND target_node_id = $2 AND edge_type = $3`,
		key.Source, key.Target, key.Type))
}

func (s *PGStore) InsertNode(ctx context.Context, n *Node) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Properties == nil {
		n.Properties = map[string]any{}
	}
	err := db.Savepoint(ctx, s.pool, func(ctx context.Context) error {
		return s.conn(ctx).QueryRow(ctx, `
			INSERT INTO kg_node (id, patient_id, node_type, concept_id, label, properties)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING created_at`,
			n.ID, n.PatientID, n.Type, conceptArg(n.ConceptID), n.Label, n.Properties,
		).Scan(&n.CreatedAt)
	})
	if db.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("node insert: %w", err)
	}
	return nil
}

func (s *PGStore) InsertEdge(ctx context.Context, e *Edge) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	err := db.Savepoint(ctx, s.pool, func(ctx context.Context) error {
		return s.conn(ctx).QueryRow(ctx, `
			INSERT INTO kg_edge (id, patient_id, source_node_id, target_node_id, edge_type, fact_id, properties)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			RETURNING created_at`,
			e.ID, e.PatientID, e.SourceID, e.TargetID, e.Type, e.FactID, e.Properties,
		).Scan(&e.CreatedAt)
	})
	if db.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("edge insert: %w", err)
	}
	return nil
}

func (s *PGStore) ListNodes(ctx context.Context, patientID string) ([]*Node, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+nodeCols+` FROM kg_node WHERE patient_id = $1 ORDER BY created_at, id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("node list: %w", err)
	}
	defer rows.Close()
	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PGStore) ListEdges(ctx context.Context, patientID string) ([]*Edge, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+edgeCols+` FROM kg_edge WHERE patient_id = $1 ORDER BY created_at, id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("edge list: %w", err)
	}
	defer rows.Close()
	var out []*Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeletePatient removes the patient's nodes; edges go with them through the
// foreign key cascade.
func (s *PGStore) DeletePatient(ctx context.Context, patientID string) (int, error) {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM kg_node WHERE patient_id = $1`, patientID)
	if err != nil {
		return 0, fmt.Errorf("graph purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanNode(row pgx.Row) (*Node, error) {
	var n Node
	var concept *int64
	err := row.Scan(&n.ID, &n.PatientID, &n.Type, &concept, &n.Label, &n.Properties, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if concept != nil {
		n.ConceptID = *concept
	}
	return &n, nil
}

func scanEdge(row pgx.Row) (*Edge, error) {
	var e Edge
	err := row.Scan(&e.ID, &e.PatientID, &e.SourceID, &e.TargetID, &e.Type, &e.FactID, &e.Properties, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
