// Package extract finds vocabulary terms in clinical text and annotates each
// occurrence with its section, clinical context, and a confidence score.
package extract

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	ahocorasick "github.com/petar-dambovaliev/aho-corasick"
	"github.com/rs/zerolog"

	"github.com/ehr/normalizer/internal/domain/ontology"
	"github.com/ehr/normalizer/internal/domain/vocabulary"
	"github.com/ehr/normalizer/internal/nlp/assertion"
	"github.com/ehr/normalizer/internal/nlp/section"
)

// MinTermLength is the shortest surface form that may produce a mention.
const MinTermLength = 2

var stopwords = func() map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(`a an the is are was were be been or and but if then so as at by for
		from in into of on to with without yes no not can will may has had have all any some one two
		per mg ml air water normal stable pain use day time room well new old left right patient`) {
		m[w] = true
	}
	return m
}()

// Mention is one vocabulary term located in a document. Offsets are byte
// offsets into the original text.
type Mention struct {
	Text           string               `json:"text"`
	Start          int                  `json:"start_offset"`
	End            int                  `json:"end_offset"`
	LexicalVariant string               `json:"lexical_variant"`
	Section        section.Section      `json:"section,omitempty"`
	Assertion      ontology.Assertion   `json:"assertion"`
	Temporality    ontology.Temporality `json:"temporality"`
	Experiencer    ontology.Experiencer `json:"experiencer"`
	Confidence     float64              `json:"confidence"`
	DomainHint     ontology.Domain      `json:"domain_hint,omitempty"`
	ConceptID      int64                `json:"concept_id,omitempty"`
}

// Weights combine the confidence features. They must be non-negative and sum
// to one.
type Weights struct {
	Base        float64
	Length      float64
	Section     float64
	Specificity float64
	Case        float64
}

var DefaultWeights = Weights{Base: 0.4, Length: 0.2, Section: 0.2, Specificity: 0.1, Case: 0.1}

func (w Weights) Validate() error {
	for _, v := range []float64{w.Base, w.Length, w.Section, w.Specificity, w.Case} {
		if v < 0 {
			return fmt.Errorf("confidence weights must be non-negative")
		}
	}
	sum := w.Base + w.Length + w.Section + w.Specificity + w.Case
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("confidence weights must sum to 1, got %.3f", sum)
	}
	return nil
}

type Option func(*Extractor)

func WithClassifier(c *assertion.Classifier) Option {
	return func(e *Extractor) { e.classifier = c }
}

func WithWeights(w Weights) Option {
	return func(e *Extractor) { e.weights = w }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// compiled is the matcher for one vocabulary snapshot.
type compiled struct {
	version uint64
	ac      ahocorasick.AhoCorasick
	terms   []vocabulary.Term
}

// Extractor is safe for concurrent use. The matcher is rebuilt lazily when
// the vocabulary holder publishes a new index.
type Extractor struct {
	holder     *vocabulary.Holder
	parser     *section.Parser
	classifier *assertion.Classifier
	weights    Weights
	logger     zerolog.Logger

	mu  sync.Mutex
	cur *compiled
}

func NewExtractor(holder *vocabulary.Holder, opts ...Option) (*Extractor, error) {
	e := &Extractor{
		holder:     holder,
		parser:     section.NewParser(),
		classifier: assertion.NewClassifier(),
		weights:    DefaultWeights,
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	if err := e.weights.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Extractor) matcher() (*compiled, error) {
	idx, err := e.holder.Index()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != nil && e.cur.version == idx.Version() {
		return e.cur, nil
	}

	var terms []vocabulary.Term
	var patterns []string
	for _, t := range idx.Terms() {
		text := strings.TrimSpace(t.Text)
		if utf8.RuneCountInString(text) < MinTermLength || stopwords[t.Key] {
			continue
		}
		terms = append(terms, t)
		patterns = append(patterns, text)
	}
	e.cur = &compiled{version: idx.Version(), ac: newAutomaton(patterns), terms: terms}
	e.logger.Debug().Int("patterns", len(patterns)).Uint64("version", idx.Version()).Msg("extractor matcher built")
	return e.cur, nil
}

// Extract returns the mentions in text ordered by start offset. Overlapping
// matches resolve leftmost-longest, with ties going to the earlier
// registered term. The only error is vocabulary.ErrNotLoaded.
func (e *Extractor) Extract(text string, documentID uuid.UUID, noteType string) ([]Mention, error) {
	m, err := e.matcher()
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}

	hits := findAll(m.ac, text)
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.start != b.start {
			return a.start < b.start
		}
		if la, lb := a.end-a.start, b.end-b.start; la != lb {
			return la > lb
		}
		return a.pattern < b.pattern
	})

	spans := e.parser.Parse(text)
	var mentions []Mention
	claimed := 0
	for _, h := range hits {
		if h.start < claimed || !wordBoundary(text, h.start, h.end) {
			continue
		}
		claimed = h.end
		mentions = append(mentions, e.annotate(text, spans, h, m.terms[h.pattern]))
	}

	e.logger.Debug().
		Str("document_id", documentID.String()).
		Str("note_type", noteType).
		Int("mentions", len(mentions)).
		Msg("mentions extracted")
	return mentions, nil
}

func (e *Extractor) annotate(text string, spans []section.Span, h hit, term vocabulary.Term) Mention {
	matched := text[h.start:h.end]
	sec := section.Lookup(spans, h.start)
	ctx := e.classifier.Classify(text, h.start, h.end)

	m := Mention{
		Text:           matched,
		Start:          h.start,
		End:            h.end,
		LexicalVariant: strings.TrimSpace(term.Text),
		Assertion:      ctx.Assertion,
		Temporality:    ctx.Temporality,
		Experiencer:    ctx.Experiencer,
		DomainHint:     term.Domain,
		ConceptID:      term.ConceptID,
	}
	if sec != section.Unknown {
		m.Section = sec
	}
	m.Confidence = e.confidence(m, sec)
	return m
}

func (e *Extractor) confidence(m Mention, sec section.Section) float64 {
	w := e.weights
	score := w.Base

	n := utf8.RuneCountInString(m.Text)
	var length float64
	switch {
	case n >= 10:
		length = 1.0
	case n >= 5:
		length = 0.6 + float64(n-5)*0.08
	default:
		length = 0.3 + float64(n-2)*0.1
	}
	score += w.Length * length

	domain := m.DomainHint
	if domain == "" {
		domain = ontology.DomainObservation
	}
	secScore := (section.ConfidenceModifier(sec, domain) - 0.8) / 0.3
	score += w.Section * clamp01(secScore)

	if m.ConceptID != 0 {
		score += w.Specificity
	} else {
		score += w.Specificity * 0.5
	}

	switch {
	case m.Text == m.LexicalVariant:
		score += w.Case
	case strings.EqualFold(m.Text, m.LexicalVariant):
		score += w.Case * 0.8
	default:
		score += w.Case * 0.5
	}

	if m.Assertion == ontology.AssertionPossible {
		score *= 0.9
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func wordBoundary(text string, start, end int) bool {
	if start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(text[:start]); isWordRune(r) {
			return false
		}
	}
	if end < len(text) {
		if r, _ := utf8.DecodeRuneInString(text[end:]); isWordRune(r) {
			return false
		}
	}
	return true
}
