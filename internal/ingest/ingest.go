// Package ingest loads coded structured records (problem lists, lab results,
// medication lists) as clinical facts next to the ones mined from notes.
package ingest

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/normalizer/internal/domain/facts"
	"github.com/ehr/normalizer/internal/domain/mapping"
	"github.com/ehr/normalizer/internal/domain/ontology"
	"github.com/ehr/normalizer/internal/domain/vocabulary"
)

// Record is one coded source row. System may be a FHIR code system URI or an
// HL7 v2 coding system name; SourceID must be stable across re-imports.
type Record struct {
	SourceID    string               `json:"source_id"`
	SourceTable string               `json:"source_table,omitempty"`
	PatientID   string               `json:"patient_id"`
	Domain      ontology.Domain      `json:"domain,omitempty"`
	System      string               `json:"system,omitempty"`
	Code        string               `json:"code,omitempty"`
	Display     string               `json:"display,omitempty"`
	Assertion   ontology.Assertion   `json:"assertion,omitempty"`
	Temporality ontology.Temporality `json:"temporality,omitempty"`
	Value       string               `json:"value,omitempty"`
	Unit        string               `json:"unit,omitempty"`
	// SkipReason is set by readers for rows that must not become facts, such
	// as resources entered in error.
	SkipReason string `json:"skip_reason,omitempty"`
}

// Coding renders the record's source coding as system|code|display.
func (r Record) Coding() string {
	return r.System + "|" + r.Code + "|" + r.Display
}

// Failure describes one record the loader could not store.
type Failure struct {
	SourceID string `json:"source_id"`
	Error    string `json:"error"`
}

// BatchResult tallies a LoadBatch call. Unmapped counts the created or
// updated facts that carry no concept.
type BatchResult struct {
	Created  int       `json:"created"`
	Updated  int       `json:"updated"`
	Skipped  int       `json:"skipped"`
	Unmapped int       `json:"unmapped"`
	Errors   int       `json:"errors"`
	Failures []Failure `json:"failures,omitempty"`
}

// Add folds another result into r.
func (r *BatchResult) Add(o BatchResult) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.Unmapped += o.Unmapped
	r.Errors += o.Errors
	r.Failures = append(r.Failures, o.Failures...)
}

// FactCreator is the part of facts.Builder the loader needs.
type FactCreator interface {
	CreateFactFromStructured(ctx context.Context, src facts.StructuredSource, in facts.Input) (*facts.Result, error)
}

var codeSystems = map[string]string{
	"http://snomed.info/sct":                      "SNOMED",
	"sct":                                         "SNOMED",
	"snm":                                         "SNOMED",
	"snomed":                                      "SNOMED",
	"snomedct":                                    "SNOMED",
	"http://loinc.org":                            "LOINC",
	"ln":                                          "LOINC",
	"loinc":                                       "LOINC",
	"http://www.nlm.nih.gov/research/umls/rxnorm": "RxNorm",
	"rxn":                                         "RxNorm",
	"rxnorm":                                      "RxNorm",
	"http://hl7.org/fhir/sid/icd-10-cm":           "ICD10CM",
	"http://hl7.org/fhir/sid/icd-10":              "ICD10",
	"i10":                                         "ICD10CM",
	"i10c":                                        "ICD10CM",
	"icd10cm":                                     "ICD10CM",
	"http://www.ama-assn.org/go/cpt":              "CPT4",
	"c4":                                          "CPT4",
	"cpt":                                         "CPT4",
	"cpt4":                                        "CPT4",
}

// VocabularyFor maps a code system to the vocabulary_id concepts are indexed
// under. Unknown systems pass through unchanged.
func VocabularyFor(system string) string {
	s := strings.TrimSpace(system)
	if v, ok := codeSystems[strings.ToLower(strings.TrimSuffix(s, "/"))]; ok {
		return v
	}
	return s
}

// Loader resolves records to concepts and stores them as facts.
type Loader struct {
	holder *vocabulary.Holder
	mapper *mapping.Mapper
	logger zerolog.Logger
}

func NewLoader(holder *vocabulary.Holder, mapper *mapping.Mapper, logger zerolog.Logger) *Loader {
	return &Loader{holder: holder, mapper: mapper, logger: logger}
}

// Resolve finds the concept for a record: the (vocabulary, code) index
// first, then the display text through the mapper. A nil concept with a nil
// error means the record is unmapped.
func (l *Loader) Resolve(ctx context.Context, rec Record) (*vocabulary.Concept, error) {
	idx, err := l.holder.Index()
	if err != nil {
		return nil, err
	}
	if rec.Code != "" {
		if c, ok := idx.ByCode(VocabularyFor(rec.System), rec.Code); ok {
			return idx.Canonical(c), nil
		}
	}
	if rec.Display == "" || l.mapper == nil {
		return nil, nil
	}
	best, err := l.mapper.Best(ctx, rec.Display, rec.Domain)
	if err != nil || best == nil {
		return nil, err
	}
	c, _ := idx.Get(best.ConceptID)
	return c, nil
}

// LoadBatch stores every record it can and keeps going past failures. The
// only error returned is vocabulary.ErrNotLoaded; per-record problems are
// counted in the result.
func (l *Loader) LoadBatch(ctx context.Context, builder FactCreator, records []Record) (BatchResult, error) {
	var res BatchResult
	if _, err := l.holder.Index(); err != nil {
		return res, err
	}

	for _, rec := range records {
		if rec.SkipReason != "" || rec.PatientID == "" || (rec.Code == "" && rec.Display == "") {
			res.Skipped++
			l.logger.Debug().Str("source_id", rec.SourceID).Str("reason", rec.SkipReason).Msg("record skipped")
			continue
		}

		concept, err := l.Resolve(ctx, rec)
		if err != nil {
			if errors.Is(err, vocabulary.ErrNotLoaded) {
				return res, err
			}
			res.fail(rec, err)
			continue
		}

		in := facts.Input{
			PatientID:   rec.PatientID,
			Domain:      rec.Domain,
			ConceptName: rec.Display,
			Assertion:   rec.Assertion,
			Temporality: rec.Temporality,
			Value:       rec.Value,
			Unit:        rec.Unit,
		}
		if concept != nil {
			in.ConceptID = concept.ID
			in.ConceptName = concept.Name
			if in.Domain == "" {
				in.Domain = concept.Domain()
			}
		} else {
			if in.ConceptName == "" {
				in.ConceptName = rec.Code
			}
			if rec.Code != "" {
				in.SourceTerm = VocabularyFor(rec.System) + "|" + rec.Code
			}
		}

		src := facts.StructuredSource{ID: rec.SourceID, Table: rec.SourceTable, Notes: rec.Coding()}
		out, err := builder.CreateFactFromStructured(ctx, src, in)
		if err != nil {
			res.fail(rec, err)
			continue
		}
		if out.Created {
			res.Created++
		} else {
			res.Updated++
		}
		if concept == nil {
			res.Unmapped++
		}
	}

	l.logger.Info().
		Int("records", len(records)).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("skipped", res.Skipped).
		Int("unmapped", res.Unmapped).
		Int("errors", res.Errors).
		Msg("structured batch loaded")
	return res, nil
}

func (r *BatchResult) fail(rec Record, err error) {
	r.Errors++
	r.Failures = append(r.Failures, Failure{SourceID: rec.SourceID, Error: err.Error()})
}
