package vocabulary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileSource reads a concept fixture and an optional clinical abbreviations
// fixture. JSON and YAML are both accepted, chosen by file extension.
type FileSource struct {
	ConceptsPath      string
	AbbreviationsPath string
}

type conceptFixture struct {
	Concepts []*Concept `json:"concepts" yaml:"concepts"`
}

type abbreviationTerm struct {
	Name      string   `json:"name" yaml:"name"`
	Synonyms  []string `json:"synonyms" yaml:"synonyms"`
	Domain    string   `json:"domain" yaml:"domain"`
	ConceptID int64    `json:"omop_concept_id" yaml:"omop_concept_id"`
}

type abbreviationFixture struct {
	Terms []abbreviationTerm `json:"terms" yaml:"terms"`
}

// Concepts returns curated abbreviation entries first, then fixture
// concepts with any synonym already claimed by an abbreviation removed.
func (s *FileSource) Concepts(_ context.Context) ([]*Concept, error) {
	var out []*Concept
	claimed := make(map[string]bool)

	if s.AbbreviationsPath != "" {
		var fx abbreviationFixture
		err := decodeFile(s.AbbreviationsPath, &fx)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			for _, t := range fx.Terms {
				if t.Name == "" || len(t.Synonyms) == 0 {
					continue
				}
				domain := t.Domain
				if domain == "" {
					domain = "Observation"
				}
				out = append(out, &Concept{
					ID:           t.ConceptID,
					Name:         t.Name,
					Code:         strings.ToUpper(t.Name),
					VocabularyID: CuratedVocabulary,
					DomainID:     domain,
					Synonyms:     t.Synonyms,
					Curated:      true,
				})
				for _, syn := range t.Synonyms {
					claimed[Normalize(syn)] = true
				}
			}
		}
	}

	var fx conceptFixture
	if err := decodeFile(s.ConceptsPath, &fx); err != nil {
		return nil, err
	}
	for _, c := range fx.Concepts {
		if c == nil {
			continue
		}
		kept := c.Synonyms[:0:0]
		for _, syn := range c.Synonyms {
			if !claimed[Normalize(syn)] {
				kept = append(kept, syn)
			}
		}
		c.Synonyms = kept
		out = append(out, c)
	}
	return out, nil
}

func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, v)
	default:
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
