package mapping

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"

	"github.com/ehr/normalizer/internal/domain/ontology"
	"github.com/ehr/normalizer/internal/domain/vocabulary"
	"github.com/ehr/normalizer/internal/platform/db"
)

// VectorStore keeps concept embeddings in Postgres and searches them with
// the pgvector cosine-distance operator.
type VectorStore struct {
	pool      *pgxpool.Pool
	embedder  Embedder
	threshold float64
	logger    zerolog.Logger
}

func NewVectorStore(pool *pgxpool.Pool, embedder Embedder, threshold float64, logger zerolog.Logger) *VectorStore {
	if threshold <= 0 {
		threshold = DefaultSemanticThreshold
	}
	return &VectorStore{pool: pool, embedder: embedder, threshold: threshold, logger: logger}
}

// Index embeds every surface form of idx and upserts it, batchSize texts per
// embedder call. It returns the number of rows written.
func (s *VectorStore) Index(ctx context.Context, idx *vocabulary.Index, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 128
	}
	type row struct {
		conceptID int64
		term      string
	}
	var rows []row
	for _, f := range idx.SurfaceForms() {
		for _, c := range f.Concepts {
			if c = idx.Canonical(c); c.ID != 0 {
				rows = append(rows, row{conceptID: c.ID, term: f.Key})
			}
		}
	}

	q := db.Conn(ctx, s.pool)
	written := 0
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		texts := make([]string, 0, end-start)
		for _, r := range rows[start:end] {
			texts = append(texts, r.term)
		}
		vecs, err := s.embedder.EncodeBatch(ctx, texts)
		if err != nil {
			return written, fmt.Errorf("embed batch at %d: %w", start, err)
		}
		for i, r := range rows[start:end] {
			if _, err := q.Exec(ctx,
				`INSERT INTO concept_embedding (concept_id, term, model, embedding)
				 VALUES ($1, $2, $3, $4::vector)
				 ON CONFLICT (concept_id, term, model) DO UPDATE SET embedding = EXCLUDED.embedding`,
				r.conceptID, r.term, s.embedder.Model(), pgvector.NewVector(vecs[i])); err != nil {
				return written, fmt.Errorf("upsert embedding %d: %w", r.conceptID, err)
			}
			written++
		}
		s.logger.Debug().Int("written", written).Int("total", len(rows)).Msg("concept embeddings indexed")
	}
	return written, nil
}

// Search returns concepts above the similarity threshold. Domain filtering
// is left to the caller, which knows the concept domains; extra rows are
// fetched to leave room for it.
func (s *VectorStore) Search(ctx context.Context, text string, domain ontology.Domain, limit int) ([]SemanticHit, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	vec, err := s.embedder.Encode(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	fetch := limit * 4
	if domain != "" {
		fetch = limit * 10
	}

	// A failed search is logged and skipped by the mapper, so it must not
	// abort a surrounding transaction.
	best := make(map[int64]SemanticHit)
	err = db.Savepoint(ctx, s.pool, func(ctx context.Context) error {
		rows, err := db.Conn(ctx, s.pool).Query(ctx,
			`SELECT concept_id, term, 1 - (embedding <=> $1::vector) AS similarity
			 FROM concept_embedding
			 WHERE model = $2
			 ORDER BY embedding <=> $1::vector
			 LIMIT $3`, pgvector.NewVector(vec), s.embedder.Model(), fetch)
		if err != nil {
			return fmt.Errorf("vector search: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var h SemanticHit
			if err := rows.Scan(&h.ConceptID, &h.Term, &h.Similarity); err != nil {
				return fmt.Errorf("vector scan: %w", err)
			}
			if h.Similarity < s.threshold {
				continue
			}
			if _, ok := best[h.ConceptID]; ok {
				continue
			}
			h.Score = h.Similarity * SemanticDiscount
			best[h.ConceptID] = h
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("vector rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rankHits(best, 0), nil
}
