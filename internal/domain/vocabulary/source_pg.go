package vocabulary

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/normalizer/internal/platform/db"
)

// PGSource streams standard concepts and their synonyms from the OMOP
// vocabulary tables.
type PGSource struct {
	pool *pgxpool.Pool
}

func NewPGSource(pool *pgxpool.Pool) *PGSource { return &PGSource{pool: pool} }

func (s *PGSource) Concepts(ctx context.Context) ([]*Concept, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx,
		`SELECT c.concept_id, c.concept_name, c.concept_code, c.vocabulary_id, c.domain_id,
		        COALESCE(array_agg(s.concept_synonym_name ORDER BY s.concept_synonym_name)
		                 FILTER (WHERE s.concept_synonym_name IS NOT NULL), '{}')
		 FROM concept c
		 LEFT JOIN concept_synonym s ON s.concept_id = c.concept_id
		 WHERE c.standard_concept IS NULL OR c.standard_concept = 'S'
		 GROUP BY c.concept_id
		 ORDER BY c.concept_id`)
	if err != nil {
		return nil, fmt.Errorf("concept query: %w", err)
	}
	defer rows.Close()

	var out []*Concept
	for rows.Next() {
		var c Concept
		if err := rows.Scan(&c.ID, &c.Name, &c.Code, &c.VocabularyID, &c.DomainID, &c.Synonyms); err != nil {
			return nil, fmt.Errorf("concept scan: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Upsert writes concepts and synonyms, used to seed the tables from a
// fixture.
func Upsert(ctx context.Context, q db.Querier, concepts []*Concept) error {
	for _, c := range concepts {
		if c.ID == 0 || c.Curated {
			continue
		}
		if _, err := q.Exec(ctx,
			`INSERT INTO concept (concept_id, concept_name, domain_id, vocabulary_id, concept_code, standard_concept)
			 VALUES ($1, $2, $3, $4, $5, 'S')
			 ON CONFLICT (concept_id) DO UPDATE
			 SET concept_name = EXCLUDED.concept_name, domain_id = EXCLUDED.domain_id,
			     vocabulary_id = EXCLUDED.vocabulary_id, concept_code = EXCLUDED.concept_code`,
			c.ID, c.Name, c.DomainID, c.VocabularyID, c.Code); err != nil {
			return fmt.Errorf("upsert concept %d: %w", c.ID, err)
		}
		for _, syn := range c.Synonyms {
			if _, err := q.Exec(ctx,
				`INSERT INTO concept_synonym (concept_id, concept_synonym_name) VALUES ($1, $2)
				 ON CONFLICT DO NOTHING`, c.ID, syn); err != nil {
				return fmt.Errorf("upsert synonym %d: %w", c.ID, err)
			}
		}
	}
	return nil
}
