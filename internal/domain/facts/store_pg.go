package facts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/normalizer/internal/platform/db"
)

// PGStore is the Postgres Store. Calls run inside a transaction carried by
// ctx when there is one.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

const factCols = `id, patient_id, domain, concept_id, concept_name, source_term, assertion,
	temporality, experiencer, confidence, value, unit, created_at, updated_at`

const evidenceCols = `id, fact_id, evidence_type, source_id, source_table, weight, notes, created_at`

func (s *PGStore) FindByKey(ctx context.Context, key DedupKey) (*Fact, error) {
	return scanFact(s.conn(ctx).QueryRow(ctx, `SELECT `+factCols+` FROM clinical_fact
		WHERE patient_id = $1 AND concept_id = $2 AND source_term = $3
			AND assertion = $4 AND temporality = $5 AND experiencer = $6`,
		key.PatientID, key.ConceptID, key.SourceTerm, key.Assertion, key.Temporality, key.Experiencer))
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Fact, error) {
	return scanFact(s.conn(ctx).QueryRow(ctx, `SELECT `+factCols+` FROM clinical_fact WHERE id = $1`, id))
}

func (s *PGStore) Insert(ctx context.Context, f *Fact) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	err := db.Savepoint(ctx, s.pool, func(ctx context.Context) error {
		return s.conn(ctx).QueryRow(ctx, `
			INSERT INTO clinical_fact (
				id, patient_id, domain, concept_id, concept_name, source_term, assertion,
				temporality, experiencer, confidence, value, unit
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			RETURNING created_at, updated_at`,
			f.ID, f.PatientID, f.Domain, f.ConceptID, f.ConceptName, f.SourceTerm, f.Assertion,
			f.Temporality, f.Experiencer, f.Confidence, f.Value, f.Unit,
		).Scan(&f.CreatedAt, &f.UpdatedAt)
	})
	if db.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("fact insert: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateFields(ctx context.Context, id uuid.UUID, u Update) error {
	_, err := s.conn(ctx).Exec(ctx, `
		UPDATE clinical_fact SET confidence = $2, value = $3, unit = $4, updated_at = NOW()
		WHERE id = $1`, id, u.Confidence, u.Value, u.Unit)
	if err != nil {
		return fmt.Errorf("fact update: %w", err)
	}
	return nil
}

func (s *PGStore) AppendEvidence(ctx context.Context, e *Evidence) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO fact_evidence (id, fact_id, evidence_type, source_id, source_table, weight, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (fact_id, source_id, source_table) DO NOTHING
		RETURNING created_at`,
		e.ID, e.FactID, e.Type, e.SourceID, e.SourceTable, e.Weight, e.Notes,
	).Scan(&e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("evidence insert: %w", err)
	}
	return nil
}

func (s *PGStore) ListEvidence(ctx context.Context, factID uuid.UUID) ([]*Evidence, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+evidenceCols+` FROM fact_evidence WHERE fact_id = $1 ORDER BY created_at, id`, factID)
	if err != nil {
		return nil, fmt.Errorf("evidence list: %w", err)
	}
	defer rows.Close()
	var out []*Evidence
	for rows.Next() {
		var e Evidence
		if err := rows.Scan(&e.ID, &e.FactID, &e.Type, &e.SourceID, &e.SourceTable, &e.Weight, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PGStore) ListByPatient(ctx context.Context, patientID string) ([]*Fact, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+factCols+` FROM clinical_fact WHERE patient_id = $1 ORDER BY created_at, id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("fact list: %w", err)
	}
	defer rows.Close()
	var out []*Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PGStore) DeletePatient(ctx context.Context, patientID string) (int, error) {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM clinical_fact WHERE patient_id = $1`, patientID)
	if err != nil {
		return 0, fmt.Errorf("fact purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanFact(row pgx.Row) (*Fact, error) {
	var f Fact
	err := row.Scan(
		&f.ID, &f.PatientID, &f.Domain, &f.ConceptID, &f.ConceptName, &f.SourceTerm, &f.Assertion,
		&f.Temporality, &f.Experiencer, &f.Confidence, &f.Value, &f.Unit, &f.CreatedAt, &f.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}
