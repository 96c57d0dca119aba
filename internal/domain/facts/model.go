// Package facts turns mapped mentions and structured records into
// deduplicated patient-level clinical facts with provenance.
package facts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/normalizer/internal/domain/ontology"
)

var (
	// ErrAlreadyExists is returned by a Store when a unique key is already
	// taken, either a fact dedup key or an evidence link.
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid fact input")
)

type EvidenceType string

const (
	EvidenceMention    EvidenceType = "mention"
	EvidenceStructured EvidenceType = "structured"
	EvidenceInferred   EvidenceType = "inferred"
)

func (t EvidenceType) Valid() bool {
	switch t {
	case EvidenceMention, EvidenceStructured, EvidenceInferred:
		return true
	}
	return false
}

// Source tables recorded on evidence rows.
const (
	SourceMentions   = "mentions"
	SourceStructured = "structured_resources"
	SourceFacts      = "clinical_facts"
)

// DedupKey identifies a fact. Two facts that differ only in assertion,
// temporality or experiencer are distinct. SourceTerm is set only for
// unmapped facts, so distinct unmapped terms stay distinct.
type DedupKey struct {
	PatientID   string
	ConceptID   int64
	SourceTerm  string
	Assertion   ontology.Assertion
	Temporality ontology.Temporality
	Experiencer ontology.Experiencer
}

// String is for logs only.
func (k DedupKey) String() string {
	s := fmt.Sprintf("%s:%d:%s:%s:%s", k.PatientID, k.ConceptID, k.Assertion, k.Temporality, k.Experiencer)
	if k.SourceTerm != "" {
		s += fmt.Sprintf(":%q", k.SourceTerm)
	}
	return s
}

type Fact struct {
	ID          uuid.UUID            `json:"id"`
	PatientID   string               `json:"patient_id"`
	Domain      ontology.Domain      `json:"domain"`
	ConceptID   int64                `json:"concept_id"`
	ConceptName string               `json:"concept_name"`
	SourceTerm  string               `json:"source_term,omitempty"`
	Assertion   ontology.Assertion   `json:"assertion"`
	Temporality ontology.Temporality `json:"temporality"`
	Experiencer ontology.Experiencer `json:"experiencer"`
	Confidence  float64              `json:"confidence"`
	Value       string               `json:"value,omitempty"`
	Unit        string               `json:"unit,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

func (f *Fact) Key() DedupKey {
	return DedupKey{
		PatientID:   f.PatientID,
		ConceptID:   f.ConceptID,
		SourceTerm:  f.SourceTerm,
		Assertion:   f.Assertion,
		Temporality: f.Temporality,
		Experiencer: f.Experiencer,
	}
}

func (f *Fact) IsNegated() bool  { return f.Assertion == ontology.AssertionAbsent }
func (f *Fact) IsUncertain() bool { return f.Assertion == ontology.AssertionPossible }

// IsUnmapped reports whether the fact records a mention no concept matched.
func (f *Fact) IsUnmapped() bool { return f.ConceptID == 0 }

type Evidence struct {
	ID          uuid.UUID    `json:"id"`
	FactID      uuid.UUID    `json:"fact_id"`
	Type        EvidenceType `json:"evidence_type"`
	SourceID    string       `json:"source_id"`
	SourceTable string       `json:"source_table"`
	Weight      float64      `json:"weight"`
	Notes       string       `json:"notes,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Input describes a fact to create or merge. Empty assertion, temporality
// and experiencer default to present, current and patient.
//
// SourceTerm names what failed to map, such as "system|code" for a coded
// record. It is ignored for mapped input and defaults to the lowered
// ConceptName for unmapped input.
type Input struct {
	PatientID   string
	Domain      ontology.Domain
	ConceptID   int64
	ConceptName string
	SourceTerm  string
	Assertion   ontology.Assertion
	Temporality ontology.Temporality
	Experiencer ontology.Experiencer
	Confidence  float64
	Value       string
	Unit        string
}

func (in *Input) normalize() error {
	if in.PatientID == "" {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	if in.ConceptID < 0 {
		return fmt.Errorf("%w: negative concept_id %d", ErrInvalidInput, in.ConceptID)
	}
	if in.Domain == "" {
		in.Domain = ontology.DomainObservation
	}
	if in.Assertion == "" {
		in.Assertion = ontology.AssertionPresent
	}
	if in.Temporality == "" {
		in.Temporality = ontology.TemporalityCurrent
	}
	if in.Experiencer == "" {
		in.Experiencer = ontology.ExperiencerPatient
	}
	if in.ConceptID != 0 {
		in.SourceTerm = ""
	} else if in.SourceTerm == "" {
		in.SourceTerm = strings.ToLower(strings.TrimSpace(in.ConceptName))
	}
	switch {
	case !in.Domain.Valid():
		return fmt.Errorf("%w: domain %q", ErrInvalidInput, in.Domain)
	case !in.Assertion.Valid():
		return fmt.Errorf("%w: assertion %q", ErrInvalidInput, in.Assertion)
	case !in.Temporality.Valid():
		return fmt.Errorf("%w: temporality %q", ErrInvalidInput, in.Temporality)
	case !in.Experiencer.Valid():
		return fmt.Errorf("%w: experiencer %q", ErrInvalidInput, in.Experiencer)
	case in.Confidence < 0 || in.Confidence > 1:
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidInput, in.Confidence)
	}
	return nil
}

func (in *Input) key() DedupKey {
	return DedupKey{
		PatientID:   in.PatientID,
		ConceptID:   in.ConceptID,
		SourceTerm:  in.SourceTerm,
		Assertion:   in.Assertion,
		Temporality: in.Temporality,
		Experiencer: in.Experiencer,
	}
}

type EvidenceInput struct {
	Type        EvidenceType
	SourceID    string
	SourceTable string
	Weight      float64
	Notes       string
}

func (e *EvidenceInput) validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: evidence type %q", ErrInvalidInput, e.Type)
	}
	if e.SourceID == "" || e.SourceTable == "" {
		return fmt.Errorf("%w: evidence source_id and source_table are required", ErrInvalidInput)
	}
	if e.Weight < 0 || e.Weight > 1 {
		return fmt.Errorf("%w: evidence weight %v outside [0,1]", ErrInvalidInput, e.Weight)
	}
	return nil
}

// Result reports what CreateFact did. Created is false when the input was
// merged into an existing fact.
type Result struct {
	Fact        *Fact
	Created     bool
	EvidenceIDs []uuid.UUID
}

// Update carries the mutable fields of a fact.
type Update struct {
	Confidence float64
	Value      string
	Unit       string
}

// Filter narrows FactsForPatient. The zero value returns every fact of the
// patient, negated ones included.
type Filter struct {
	Domain         ontology.Domain
	ExcludeNegated bool
	UnmappedOnly   bool
}

func (f Filter) match(fact *Fact) bool {
	if f.Domain != "" && fact.Domain != f.Domain {
		return false
	}
	if f.ExcludeNegated && fact.IsNegated() {
		return false
	}
	if f.UnmappedOnly && !fact.IsUnmapped() {
		return false
	}
	return true
}

// MergeConfidence combines two independent confidences. The result is never
// below either input.
func MergeConfidence(a, b float64) float64 {
	m := 1 - (1-a)*(1-b)
	if m < 0 {
		return 0
	}
	if m > 1 {
		return 1
	}
	return m
}
