// Package vocabulary loads standard-vocabulary concepts and serves the
// immutable lookup index shared by extraction and mapping.
package vocabulary

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/ehr/normalizer/internal/domain/ontology"
)

// ErrNotLoaded is returned by any lookup made before the first successful load.
var ErrNotLoaded = errors.New("vocabulary not loaded")

// CuratedVocabulary is the vocabulary_id given to clinical abbreviation terms.
const CuratedVocabulary = "Clinical Abbreviations"

// Concept is a standard vocabulary concept together with its surface forms.
type Concept struct {
	ID           int64    `json:"concept_id" yaml:"concept_id"`
	Name         string   `json:"concept_name" yaml:"concept_name"`
	Code         string   `json:"concept_code" yaml:"concept_code"`
	VocabularyID string   `json:"vocabulary_id" yaml:"vocabulary_id"`
	DomainID     string   `json:"domain_id" yaml:"domain_id"`
	Synonyms     []string `json:"synonyms,omitempty" yaml:"synonyms,omitempty"`
	// Curated marks clinical abbreviation entries, which take precedence over
	// synonyms supplied by later concepts.
	Curated bool `json:"-" yaml:"-"`
}

func (c *Concept) Domain() ontology.Domain {
	return ontology.ParseDomain(c.DomainID)
}

// Term is one surface form registered for matching, in registration order.
type Term struct {
	Text      string
	Key       string
	ConceptID int64
	Domain    ontology.Domain
}

// CodeKey addresses a concept by its source vocabulary code.
type CodeKey struct {
	Vocabulary string
	Code       string
}

// Normalize folds a surface form into its lookup key: NFKC, Unicode case
// folding, whitespace collapsed, and punctuation trimmed from both ends.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimFunc(s, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})
}

// Tokens splits a normalized key on whitespace.
func Tokens(key string) []string {
	return strings.Fields(key)
}
