package vocabulary

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ehr/normalizer/internal/domain/ontology"
)

var buildSeq atomic.Uint64

// SurfaceForm is a distinct normalized key with the concepts it names.
type SurfaceForm struct {
	Key      string
	Tokens   []string
	Concepts []*Concept
}

// Match is a concept returned by Search with its lookup score.
type Match struct {
	Concept *Concept
	Score   float64
}

// Stats summarizes an index.
type Stats struct {
	Concepts int       `json:"concepts"`
	Names    int       `json:"names"`
	Synonyms int       `json:"synonyms"`
	Terms    int       `json:"terms"`
	Tokens   int       `json:"tokens"`
	Version  uint64    `json:"version"`
	BuiltAt  time.Time `json:"built_at"`
}

// Index is an immutable snapshot of the vocabulary. All methods are safe for
// concurrent use.
type Index struct {
	concepts  []*Concept
	byID      map[int64]*Concept
	byName    map[string][]*Concept
	bySynonym map[string][]*Concept
	byCode    map[CodeKey]*Concept

	names   []string // sorted keys of byName
	forms   []*SurfaceForm
	byToken map[string][]int // token -> positions in forms
	terms   []Term
	version uint64
	builtAt time.Time
}

// Build indexes concepts in the given order. Order is significant: it fixes
// term registration order and, for curated entries, which concept owns a
// contested synonym.
func Build(concepts []*Concept) *Index {
	idx := &Index{
		byID:      make(map[int64]*Concept, len(concepts)),
		byName:    make(map[string][]*Concept, len(concepts)),
		bySynonym: make(map[string][]*Concept),
		byCode:    make(map[CodeKey]*Concept, len(concepts)),
		byToken:   make(map[string][]int),
		version:   buildSeq.Add(1),
		builtAt:   time.Now().UTC(),
	}

	curated := make(map[string]bool)
	formAt := make(map[string]int)
	seenTerm := make(map[string]bool)

	addForm := func(key string, c *Concept) {
		if i, ok := formAt[key]; ok {
			f := idx.forms[i]
			for _, existing := range f.Concepts {
				if existing == c {
					return
				}
			}
			f.Concepts = append(f.Concepts, c)
			return
		}
		f := &SurfaceForm{Key: key, Tokens: Tokens(key), Concepts: []*Concept{c}}
		formAt[key] = len(idx.forms)
		for _, tok := range uniqueTokens(f.Tokens) {
			idx.byToken[tok] = append(idx.byToken[tok], len(idx.forms))
		}
		idx.forms = append(idx.forms, f)
	}
	addTerm := func(text, key string, c *Concept) {
		if key == "" || seenTerm[key] {
			return
		}
		seenTerm[key] = true
		idx.terms = append(idx.terms, Term{Text: text, Key: key, ConceptID: c.ID, Domain: c.Domain()})
	}

	for _, c := range concepts {
		if c == nil {
			continue
		}
		idx.concepts = append(idx.concepts, c)

		if c.ID != 0 {
			if prev, ok := idx.byID[c.ID]; !ok || (prev.Curated && !c.Curated) {
				idx.byID[c.ID] = c
			}
		}
		if c.Code != "" {
			k := CodeKey{Vocabulary: strings.ToUpper(c.VocabularyID), Code: c.Code}
			if _, ok := idx.byCode[k]; !ok {
				idx.byCode[k] = c
			}
		}

		if key := Normalize(c.Name); key != "" {
			idx.byName[key] = append(idx.byName[key], c)
			addForm(key, c)
			addTerm(c.Name, key, c)
		}
		for _, syn := range c.Synonyms {
			key := Normalize(syn)
			if key == "" {
				continue
			}
			if curated[key] && !c.Curated {
				continue
			}
			if c.Curated {
				curated[key] = true
			}
			if !containsConcept(idx.bySynonym[key], c) {
				idx.bySynonym[key] = append(idx.bySynonym[key], c)
			}
			addForm(key, c)
			addTerm(syn, key, c)
		}
	}

	idx.names = make([]string, 0, len(idx.byName))
	for k := range idx.byName {
		idx.names = append(idx.names, k)
	}
	sort.Strings(idx.names)
	return idx
}

func containsConcept(list []*Concept, c *Concept) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

func uniqueTokens(toks []string) []string {
	seen := make(map[string]bool, len(toks))
	out := toks[:0:0]
	for _, t := range toks {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// Version changes every time an index is built.
func (idx *Index) Version() uint64 { return idx.version }

func (idx *Index) Len() int { return len(idx.byID) }

// Concepts returns every loaded record in load order.
func (idx *Index) Concepts() []*Concept { return idx.concepts }

// Terms returns the deduplicated surface forms in registration order.
func (idx *Index) Terms() []Term { return idx.terms }

// Get resolves a concept id, preferring the canonical record over curated
// abbreviation entries that share the id.
func (idx *Index) Get(id int64) (*Concept, bool) {
	c, ok := idx.byID[id]
	return c, ok
}

// ByCode resolves a concept by vocabulary and code. The vocabulary match is
// case-insensitive.
func (idx *Index) ByCode(vocabulary, code string) (*Concept, bool) {
	c, ok := idx.byCode[CodeKey{Vocabulary: strings.ToUpper(vocabulary), Code: code}]
	return c, ok
}

// ByName returns concepts whose normalized name equals key.
func (idx *Index) ByName(key string) []*Concept { return idx.byName[key] }

// BySynonym returns concepts that list key as a normalized synonym.
func (idx *Index) BySynonym(key string) []*Concept { return idx.bySynonym[key] }

// NamesWithPrefix returns normalized names starting with prefix, in sorted
// order.
func (idx *Index) NamesWithPrefix(prefix string) []string {
	i := sort.SearchStrings(idx.names, prefix)
	var out []string
	for ; i < len(idx.names) && strings.HasPrefix(idx.names[i], prefix); i++ {
		out = append(out, idx.names[i])
	}
	return out
}

// FormsSharingTokens returns every surface form that shares at least one
// token with tokens, in registration order.
func (idx *Index) FormsSharingTokens(tokens []string) []*SurfaceForm {
	hit := make(map[int]bool)
	for _, t := range tokens {
		for _, i := range idx.byToken[t] {
			hit[i] = true
		}
	}
	positions := make([]int, 0, len(hit))
	for i := range hit {
		positions = append(positions, i)
	}
	sort.Ints(positions)
	out := make([]*SurfaceForm, len(positions))
	for j, i := range positions {
		out[j] = idx.forms[i]
	}
	return out
}

// SurfaceForms returns every distinct normalized name and synonym.
func (idx *Index) SurfaceForms() []*SurfaceForm { return idx.forms }

// Search returns exact name matches (score 1.0) followed by exact synonym
// matches (0.95), unique by concept id and optionally restricted to domain.
func (idx *Index) Search(term string, domain ontology.Domain, limit int) []Match {
	if limit <= 0 {
		limit = 5
	}
	key := Normalize(term)
	if key == "" {
		return nil
	}

	seen := make(map[int64]bool)
	var out []Match
	add := func(list []*Concept, score float64) {
		for _, c := range list {
			if len(out) >= limit {
				return
			}
			c = idx.canonical(c)
			if c.ID == 0 || seen[c.ID] || (domain != "" && c.Domain() != domain) {
				continue
			}
			seen[c.ID] = true
			out = append(out, Match{Concept: c, Score: score})
		}
	}
	add(idx.byName[key], 1.0)
	add(idx.bySynonym[key], 0.95)
	return out
}

func (idx *Index) canonical(c *Concept) *Concept {
	if c.ID == 0 {
		return c
	}
	if canon, ok := idx.byID[c.ID]; ok {
		return canon
	}
	return c
}

// Canonical maps a curated abbreviation record to the canonical concept that
// shares its id, if one is loaded.
func (idx *Index) Canonical(c *Concept) *Concept { return idx.canonical(c) }

func (idx *Index) Stats() Stats {
	return Stats{
		Concepts: len(idx.byID),
		Names:    len(idx.byName),
		Synonyms: len(idx.bySynonym),
		Terms:    len(idx.terms),
		Tokens:   len(idx.byToken),
		Version:  idx.version,
		BuiltAt:  idx.builtAt,
	}
}
