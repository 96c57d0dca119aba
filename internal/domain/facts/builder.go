package facts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Observer is told the outcome of every fact operation, for metrics.
type Observer interface {
	ObserveFact(outcome string)
}

// Builder creates and merges facts. It keeps a dedup cache scoped to one
// unit of work and is not safe for concurrent use.
type Builder struct {
	store    Store
	logger   zerolog.Logger
	cache    map[DedupKey]uuid.UUID
	observer Observer
}

func NewBuilder(store Store, logger zerolog.Logger) *Builder {
	return &Builder{store: store, logger: logger, cache: make(map[DedupKey]uuid.UUID)}
}

// SetObserver attaches an optional Observer.
func (b *Builder) SetObserver(o Observer) {
	b.observer = o
}

// CreateFact stores in as a new fact, or merges it into the fact with the
// same dedup key. Merging combines confidences, fills an empty value or
// unit, and links evidence whose source is not linked yet.
func (b *Builder) CreateFact(ctx context.Context, in Input, evidence []EvidenceInput) (*Result, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	for i := range evidence {
		if err := evidence[i].validate(); err != nil {
			return nil, err
		}
	}

	key := in.key()
	existing, err := b.lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	if existing == nil {
		f := &Fact{
			ID:          uuid.New(),
			PatientID:   in.PatientID,
			Domain:      in.Domain,
			ConceptID:   in.ConceptID,
			ConceptName: in.ConceptName,
			SourceTerm:  in.SourceTerm,
			Assertion:   in.Assertion,
			Temporality: in.Temporality,
			Experiencer: in.Experiencer,
			Confidence:  in.Confidence,
			Value:       in.Value,
			Unit:        in.Unit,
		}
		switch err := b.store.Insert(ctx, f); {
		case err == nil:
			res.Fact, res.Created = f, true
		case errors.Is(err, ErrAlreadyExists):
			// Another writer created the fact between lookup and insert.
			existing, err = b.store.FindByKey(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("fact refetch: %w", err)
			}
			if existing == nil {
				return nil, fmt.Errorf("fact refetch %s: %w", key, ErrAlreadyExists)
			}
		default:
			return nil, err
		}
	}

	if existing != nil {
		if err := b.merge(ctx, existing, &in); err != nil {
			return nil, err
		}
		res.Fact = existing
	}
	b.cache[key] = res.Fact.ID

	ids, err := b.appendEvidence(ctx, res.Fact.ID, evidence)
	if err != nil {
		return nil, err
	}
	res.EvidenceIDs = ids

	outcome := "merged"
	if res.Created {
		outcome = "created"
	}
	if b.observer != nil {
		b.observer.ObserveFact(outcome)
	}
	b.logger.Debug().
		Str("fact_id", res.Fact.ID.String()).
		Str("patient_id", in.PatientID).
		Int64("concept_id", in.ConceptID).
		Str("assertion", string(in.Assertion)).
		Str("outcome", outcome).
		Int("evidence_added", len(ids)).
		Msg("fact recorded")
	return res, nil
}

// lookup consults the local cache, then the store. A cached id whose row
// is gone was purged, so it is dropped and the store is asked by key.
func (b *Builder) lookup(ctx context.Context, key DedupKey) (*Fact, error) {
	if id, ok := b.cache[key]; ok {
		f, err := b.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fact get: %w", err)
		}
		if f != nil {
			return f, nil
		}
		delete(b.cache, key)
	}
	f, err := b.store.FindByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fact lookup: %w", err)
	}
	return f, nil
}

func (b *Builder) merge(ctx context.Context, f *Fact, in *Input) error {
	u := Update{
		Confidence: MergeConfidence(f.Confidence, in.Confidence),
		Value:      f.Value,
		Unit:       f.Unit,
	}
	if u.Value == "" {
		u.Value = in.Value
	}
	if u.Unit == "" {
		u.Unit = in.Unit
	}
	if u.Confidence == f.Confidence && u.Value == f.Value && u.Unit == f.Unit {
		return nil
	}
	if err := b.store.UpdateFields(ctx, f.ID, u); err != nil {
		return err
	}
	f.Confidence, f.Value, f.Unit = u.Confidence, u.Value, u.Unit
	return nil
}

func (b *Builder) appendEvidence(ctx context.Context, factID uuid.UUID, evidence []EvidenceInput) ([]uuid.UUID, error) {
	if len(evidence) == 0 {
		return nil, nil
	}
	linked, err := b.store.ListEvidence(ctx, factID)
	if err != nil {
		return nil, fmt.Errorf("evidence list: %w", err)
	}
	seen := make(map[[2]string]bool, len(linked)+len(evidence))
	for _, e := range linked {
		seen[[2]string{e.SourceID, e.SourceTable}] = true
	}

	var ids []uuid.UUID
	for _, in := range evidence {
		k := [2]string{in.SourceID, in.SourceTable}
		if seen[k] {
			continue
		}
		seen[k] = true
		e := &Evidence{
			ID:          uuid.New(),
			FactID:      factID,
			Type:        in.Type,
			SourceID:    in.SourceID,
			SourceTable: in.SourceTable,
			Weight:      in.Weight,
			Notes:       in.Notes,
		}
		switch err := b.store.AppendEvidence(ctx, e); {
		case err == nil:
			ids = append(ids, e.ID)
		case errors.Is(err, ErrAlreadyExists):
		default:
			return ids, err
		}
	}
	return ids, nil
}

// CreateFactFromMention records a fact backed by a single text mention.
func (b *Builder) CreateFactFromMention(ctx context.Context, mentionID uuid.UUID, in Input) (*Result, error) {
	return b.CreateFact(ctx, in, []EvidenceInput{{
		Type:        EvidenceMention,
		SourceID:    mentionID.String(),
		SourceTable: SourceMentions,
		Weight:      1.0,
	}})
}

// StructuredSource is the coded record behind a structured fact. Notes keep
// the original coding, which matters most when the record did not map.
type StructuredSource struct {
	ID    string
	Table string
	Notes string
}

// CreateFactFromStructured records a fact backed by a coded source record.
// Structured data is trusted, so the confidence is 1 unless set.
func (b *Builder) CreateFactFromStructured(ctx context.Context, src StructuredSource, in Input) (*Result, error) {
	if in.Confidence == 0 {
		in.Confidence = 1.0
	}
	if src.Table == "" {
		src.Table = SourceStructured
	}
	return b.CreateFact(ctx, in, []EvidenceInput{{
		Type:        EvidenceStructured,
		SourceID:    src.ID,
		SourceTable: src.Table,
		Weight:      1.0,
		Notes:       src.Notes,
	}})
}

func (b *Builder) GetFact(ctx context.Context, id uuid.UUID) (*Fact, error) {
	return b.store.Get(ctx, id)
}

// FactsForPatient lists a patient's facts in creation order.
func (b *Builder) FactsForPatient(ctx context.Context, patientID string, filter Filter) ([]*Fact, error) {
	all, err := b.store.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, f := range all {
		if filter.match(f) {
			out = append(out, f)
		}
	}
	return out, nil
}

// NegatedFacts lists the patient's facts with assertion absent.
func (b *Builder) NegatedFacts(ctx context.Context, patientID string) ([]*Fact, error) {
	all, err := b.store.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	var out []*Fact
	for _, f := range all {
		if f.IsNegated() {
			out = append(out, f)
		}
	}
	return out, nil
}

func (b *Builder) EvidenceForFact(ctx context.Context, factID uuid.UUID) ([]*Evidence, error) {
	return b.store.ListEvidence(ctx, factID)
}

// PurgePatient deletes the patient's facts and forgets cached ids.
func (b *Builder) PurgePatient(ctx context.Context, patientID string) (int, error) {
	n, err := b.store.DeletePatient(ctx, patientID)
	if err != nil {
		return 0, err
	}
	for k := range b.cache {
		if k.PatientID == patientID {
			delete(b.cache, k)
		}
	}
	return n, nil
}
