package mapping

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ehr/normalizer/internal/domain/ontology"
	"github.com/ehr/normalizer/internal/domain/vocabulary"
)

const (
	DefaultSemanticThreshold = 0.6
	// SemanticDiscount ranks embedding matches below lexical ones of equal
	// raw similarity.
	SemanticDiscount = 0.85
)

// SemanticHit is a concept found by embedding similarity. Score is the
// discounted similarity.
type SemanticHit struct {
	ConceptID  int64
	Term       string
	Similarity float64
	Score      float64
}

// SemanticSearcher finds concepts whose names or synonyms are close to text
// in embedding space. Hits are at or above the threshold and best-first.
type SemanticSearcher interface {
	Search(ctx context.Context, text string, domain ontology.Domain, limit int) ([]SemanticHit, error)
}

type semanticEntry struct {
	conceptID int64
	domain    ontology.Domain
	term      string
	vec       []float32
}

// SemanticIndex holds precomputed embeddings for every surface form in the
// current vocabulary, rebuilt when the vocabulary version changes.
type SemanticIndex struct {
	holder    *vocabulary.Holder
	embedder  Embedder
	threshold float64

	mu      sync.Mutex
	version uint64
	entries []semanticEntry
}

func NewSemanticIndex(holder *vocabulary.Holder, embedder Embedder, threshold float64) *SemanticIndex {
	if threshold <= 0 {
		threshold = DefaultSemanticThreshold
	}
	return &SemanticIndex{holder: holder, embedder: embedder, threshold: threshold}
}

func (s *SemanticIndex) snapshot(ctx context.Context) ([]semanticEntry, error) {
	idx, err := s.holder.Index()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries != nil && s.version == idx.Version() {
		return s.entries, nil
	}

	var entries []semanticEntry
	var texts []string
	for _, f := range idx.SurfaceForms() {
		for _, c := range f.Concepts {
			c = idx.Canonical(c)
			if c.ID == 0 {
				continue
			}
			entries = append(entries, semanticEntry{conceptID: c.ID, domain: c.Domain(), term: f.Key})
			texts = append(texts, f.Key)
		}
	}
	vecs, err := s.embedder.EncodeBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed vocabulary: %w", err)
	}
	for i := range entries {
		entries[i].vec = vecs[i]
	}
	s.entries, s.version = entries, idx.Version()
	return entries, nil
}

func (s *SemanticIndex) Search(ctx context.Context, text string, domain ontology.Domain, limit int) ([]SemanticHit, error) {
	entries, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	q, err := s.embedder.Encode(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	best := make(map[int64]SemanticHit)
	for _, e := range entries {
		if domain != "" && e.domain != domain {
			continue
		}
		sim := CosineSimilarity(q, e.vec)
		if sim < s.threshold {
			continue
		}
		if prev, ok := best[e.conceptID]; !ok || sim > prev.Similarity {
			best[e.conceptID] = SemanticHit{ConceptID: e.conceptID, Term: e.term, Similarity: sim, Score: sim * SemanticDiscount}
		}
	}
	return rankHits(best, limit), nil
}

func rankHits(best map[int64]SemanticHit, limit int) []SemanticHit {
	hits := make([]SemanticHit, 0, len(best))
	for _, h := range best {
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ConceptID < hits[j].ConceptID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
