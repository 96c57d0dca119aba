// Package mapping ranks standard vocabulary concepts for a free-text term
// using tiered lexical matching with a semantic fallback.
package mapping

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/ehr/normalizer/internal/domain/ontology"
	"github.com/ehr/normalizer/internal/domain/vocabulary"
)

// Method records how a candidate was found.
type Method string

const (
	MethodExact    Method = "exact"
	MethodFuzzy    Method = "fuzzy"
	MethodSemantic Method = "semantic"
)

// Strategy is one tier of the lookup cascade.
type Strategy string

const (
	StrategyExact    Strategy = "exact"
	StrategySynonym  Strategy = "synonym"
	StrategyPrefix   Strategy = "prefix"
	StrategyFuzzy    Strategy = "fuzzy"
	StrategySemantic Strategy = "semantic"
)

// LexicalStrategies is the tier order used by Map.
var LexicalStrategies = []Strategy{StrategyExact, StrategySynonym, StrategyPrefix, StrategyFuzzy}

const (
	synonymScore       = 0.95
	prefixMinLength    = 3
	prefixScoreCap     = 0.9
	prefixScoreBonus   = 0.3
	DefaultLimit       = 5
	DefaultFuzzyCutoff = 0.3
)

// Candidate is a ranked concept for a term. Ranks start at 1 and are unique
// within one result; concept ids are unique too.
type Candidate struct {
	ConceptID    int64           `json:"concept_id"`
	ConceptName  string          `json:"concept_name"`
	ConceptCode  string          `json:"concept_code"`
	VocabularyID string          `json:"vocabulary_id"`
	Domain       ontology.Domain `json:"domain"`
	Score        float64         `json:"score"`
	Method       Method          `json:"method"`
	Rank         int             `json:"rank"`
}

type Option func(*Mapper)

// WithSemantic enables the embedding fallback used when every lexical tier
// comes back empty.
func WithSemantic(s SemanticSearcher) Option {
	return func(m *Mapper) { m.semantic = s }
}

func WithFuzzyThreshold(t float64) Option {
	return func(m *Mapper) { m.fuzzyCutoff = t }
}

func WithDefaultLimit(n int) Option {
	return func(m *Mapper) {
		if n > 0 {
			m.limit = n
		}
	}
}

// WithCache memoizes results for ttl. Keys include the vocabulary version so
// a reload never serves stale candidates.
func WithCache(ttl time.Duration) Option {
	return func(m *Mapper) {
		if ttl > 0 {
			m.cache = gocache.New(ttl, 2*ttl)
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Mapper) { m.logger = l }
}

// Observer receives the method of every best candidate, for metrics.
type Observer interface {
	ObserveMapping(method string)
}

func WithObserver(o Observer) Option {
	return func(m *Mapper) { m.observer = o }
}

// Mapper is safe for concurrent use.
type Mapper struct {
	holder      *vocabulary.Holder
	semantic    SemanticSearcher
	fuzzyCutoff float64
	limit       int
	cache       *gocache.Cache
	observer    Observer
	logger      zerolog.Logger
}

func NewMapper(holder *vocabulary.Holder, opts ...Option) *Mapper {
	m := &Mapper{
		holder:      holder,
		fuzzyCutoff: DefaultFuzzyCutoff,
		limit:       DefaultLimit,
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type collector struct {
	idx    *vocabulary.Index
	domain ontology.Domain
	limit  int
	seen   map[int64]bool
	out    []Candidate
}

func (c *collector) full() bool { return len(c.out) >= c.limit }

func (c *collector) add(concept *vocabulary.Concept, score float64, method Method) {
	if c.full() {
		return
	}
	concept = c.idx.Canonical(concept)
	if concept.ID == 0 || c.seen[concept.ID] {
		return
	}
	if c.domain != "" && concept.Domain() != c.domain {
		return
	}
	c.seen[concept.ID] = true
	c.out = append(c.out, Candidate{
		ConceptID:    concept.ID,
		ConceptName:  concept.Name,
		ConceptCode:  concept.Code,
		VocabularyID: concept.VocabularyID,
		Domain:       concept.Domain(),
		Score:        score,
		Method:       method,
		Rank:         len(c.out) + 1,
	})
}

// Map returns up to limit candidates for text. Lexical tiers run in order and
// stop once limit is reached; ranks follow insertion order. The semantic
// fallback runs only when no lexical tier produced anything, and its hits are
// ordered by score. A blank term yields no candidates.
func (m *Mapper) Map(ctx context.Context, text string, domain ontology.Domain, limit int) ([]Candidate, error) {
	idx, err := m.holder.Index()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = m.limit
	}
	key := vocabulary.Normalize(text)
	if key == "" {
		return nil, nil
	}

	cacheKey := mapCacheKey(domain, limit, idx.Version(), key)
	if m.cache != nil {
		if v, ok := m.cache.Get(cacheKey); ok {
			return clone(v.([]Candidate)), nil
		}
	}

	c := &collector{idx: idx, domain: domain, limit: limit, seen: make(map[int64]bool)}
	for _, s := range LexicalStrategies {
		if c.full() {
			break
		}
		m.runTier(s, c, key)
	}

	if len(c.out) == 0 && m.semantic != nil {
		if err := m.semanticTier(ctx, c, text); err != nil {
			m.logger.Warn().Err(err).Str("term", text).Msg("semantic fallback failed")
		}
	}

	if m.observer != nil && len(c.out) > 0 {
		m.observer.ObserveMapping(string(c.out[0].Method))
	}
	if m.cache != nil {
		m.cache.SetDefault(cacheKey, clone(c.out))
	}
	return c.out, nil
}

// mapCacheKey joins its parts with NUL. The term goes last, so only a domain
// holding NUL could make two lookups share an entry.
func mapCacheKey(domain ontology.Domain, limit int, version uint64, key string) string {
	return strings.Join([]string{
		string(domain),
		strconv.Itoa(limit),
		strconv.FormatUint(version, 10),
		key,
	}, "\x00")
}

func (m *Mapper) runTier(s Strategy, c *collector, key string) {
	switch s {
	case StrategyExact:
		for _, concept := range c.idx.ByName(key) {
			c.add(concept, 1.0, MethodExact)
		}
	case StrategySynonym:
		for _, concept := range c.idx.BySynonym(key) {
			c.add(concept, synonymScore, MethodExact)
		}
	case StrategyPrefix:
		qlen := utf8.RuneCountInString(key)
		if qlen < prefixMinLength {
			return
		}
		for _, name := range c.idx.NamesWithPrefix(key) {
			if name == key {
				continue
			}
			score := float64(qlen)/float64(utf8.RuneCountInString(name)) + prefixScoreBonus
			if score > prefixScoreCap {
				score = prefixScoreCap
			}
			for _, concept := range c.idx.ByName(name) {
				c.add(concept, score, MethodFuzzy)
			}
		}
	case StrategyFuzzy:
		m.fuzzyTier(c, key)
	}
}

type scoredForm struct {
	form  *vocabulary.SurfaceForm
	score float64
}

func (m *Mapper) fuzzyTier(c *collector, key string) {
	query := vocabulary.Tokens(key)
	var scored []scoredForm
	for _, f := range c.idx.FormsSharingTokens(query) {
		if s := Jaccard(query, f.Tokens); s >= m.fuzzyCutoff {
			scored = append(scored, scoredForm{form: f, score: s})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].form.Key < scored[j].form.Key
	})
	for _, sf := range scored {
		for _, concept := range sf.form.Concepts {
			c.add(concept, sf.score, MethodFuzzy)
		}
	}
}

func (m *Mapper) semanticTier(ctx context.Context, c *collector, text string) error {
	hits, err := m.semantic.Search(ctx, text, c.domain, c.limit)
	if err != nil {
		return err
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	for _, h := range hits {
		concept, ok := c.idx.Get(h.ConceptID)
		if !ok {
			continue
		}
		c.add(concept, h.Score, MethodSemantic)
	}
	return nil
}

// Best returns the top candidate or nil when nothing matches.
func (m *Mapper) Best(ctx context.Context, text string, domain ontology.Domain) (*Candidate, error) {
	cands, err := m.Map(ctx, text, domain, 1)
	if err != nil || len(cands) == 0 {
		return nil, err
	}
	return &cands[0], nil
}

// GetByID returns the concept as an exact candidate, or nil if unknown.
func (m *Mapper) GetByID(id int64) (*Candidate, error) {
	idx, err := m.holder.Index()
	if err != nil {
		return nil, err
	}
	concept, ok := idx.Get(id)
	if !ok {
		return nil, nil
	}
	return &Candidate{
		ConceptID:    concept.ID,
		ConceptName:  concept.Name,
		ConceptCode:  concept.Code,
		VocabularyID: concept.VocabularyID,
		Domain:       concept.Domain(),
		Score:        1.0,
		Method:       MethodExact,
		Rank:         1,
	}, nil
}

// Jaccard is the token-set overlap of a and b.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	union := len(set)
	inter := 0
	seenB := make(map[string]bool, len(b))
	for _, t := range b {
		if seenB[t] {
			continue
		}
		seenB[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

func clone(in []Candidate) []Candidate {
	if in == nil {
		return nil
	}
	out := make([]Candidate, len(in))
	copy(out, in)
	return out
}
