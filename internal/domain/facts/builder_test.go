package facts

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/normalizer/internal/domain/ontology"
)

func newTestBuilder() (*Builder, *MemoryStore) {
	store := NewMemoryStore()
	return NewBuilder(store, zerolog.Nop()), store
}

func feverInput(confidence float64) Input {
	return Input{
		PatientID:   "P1",
		Domain:      ontology.DomainCondition,
		ConceptID:   437663,
		ConceptName: "Fever",
		Confidence:  confidence,
	}
}

// racyStore hides existing facts from FindByKey once, as if another writer
// inserted between the builder's lookup and its insert.
type racyStore struct {
	*MemoryStore
	hide int
}

func (s *racyStore) FindByKey(ctx context.Context, key DedupKey) (*Fact, error) {
	if s.hide > 0 {
		s.hide--
		return nil, nil
	}
	return s.MemoryStore.FindByKey(ctx, key)
}

type outcomes map[string]int

func (o outcomes) ObserveFact(outcome string) { o[outcome]++ }

func TestCreateFact_New(t *testing.T) {
	b, _ := newTestBuilder()
	res, err := b.CreateFact(context.Background(), feverInput(0.8), nil)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEqual(t, uuid.Nil, res.Fact.ID)
	assert.Equal(t, ontology.AssertionPresent, res.Fact.Assertion)
	assert.Equal(t, ontology.TemporalityCurrent, res.Fact.Temporality)
	assert.Equal(t, ontology.ExperiencerPatient, res.Fact.Experiencer)
	assert.False(t, res.Fact.CreatedAt.IsZero())
}

func TestCreateFact_MergeCombinesConfidence(t *testing.T) {
	b, store := newTestBuilder()
	ctx := context.Background()
	first, err := b.CreateFact(ctx, feverInput(0.8), nil)
	require.NoError(t, err)

	second, err := b.CreateFact(ctx, feverInput(0.7), nil)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Fact.ID, second.Fact.ID)
	assert.InDelta(t, 0.94, second.Fact.Confidence, 1e-9)

	stored, err := store.Get(ctx, first.Fact.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.94, stored.Confidence, 1e-9)
}

func TestCreateFact_MergeNeverLowersConfidence(t *testing.T) {
	b, _ := newTestBuilder()
	ctx := context.Background()
	_, err := b.CreateFact(ctx, feverInput(0.6), nil)
	require.NoError(t, err)

	prev := 0.6
	for _, c := range []float64{0, 0.1, 0.5, 0} {
		res, err := b.CreateFact(ctx, feverInput(c), nil)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Fact.Confidence, prev)
		prev = res.Fact.Confidence
	}
}

func TestCreateFact_MergeFillsValueAndUnit(t *testing.T) {
	b, _ := newTestBuilder()
	ctx := context.Background()
	in := Input{PatientID: "P1", Domain: ontology.DomainMeasurement, ConceptID: 3004410, ConceptName: "Hemoglobin A1c", Confidence: 0.9}
	_, err := b.CreateFact(ctx, in, nil)
	require.NoError(t, err)

	in.Value, in.Unit = "7.2", "%"
	res, err := b.CreateFact(ctx, in, nil)
	require.NoError(t, err)
	assert.Equal(t, "7.2", res.Fact.Value)
	assert.Equal(t, "%", res.Fact.Unit)

	in.Value, in.Unit = "8.0", "mmol/mol"
	res, err = b.CreateFact(ctx, in, nil)
	require.NoError(t, err)
	assert.Equal(t, "7.2", res.Fact.Value)
	assert.Equal(t, "%", res.Fact.Unit)
}

func TestCreateFactFromMention_Idempotent(t *testing.T) {
	b, store := newTestBuilder()
	ctx := context.Background()
	mention := uuid.New()

	first, err := b.CreateFactFromMention(ctx, mention, feverInput(0.8))
	require.NoError(t, err)
	require.Len(t, first.EvidenceIDs, 1)

	second, err := b.CreateFactFromMention(ctx, mention, feverInput(0.8))
	require.NoError(t, err)
	assert.Empty(t, second.EvidenceIDs)

	all, err := store.ListByPatient(ctx, "P1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	ev, err := b.EvidenceForFact(ctx, first.Fact.ID)
	require.NoError(t, err)
	require.Len(t, ev, 1)
	assert.Equal(t, EvidenceMention, ev[0].Type)
	assert.Equal(t, SourceMentions, ev[0].SourceTable)
	assert.Equal(t, mention.String(), ev[0].SourceID)
	assert.Equal(t, 1.0, ev[0].Weight)
}

func TestCreateFact_EvidenceDedupWithinInput(t *testing.T) {
	b, _ := newTestBuilder()
	ev := EvidenceInput{Type: EvidenceMention, SourceID: "m1", SourceTable: SourceMentions, Weight: 0.5}
	res, err := b.CreateFact(context.Background(), feverInput(0.8), []EvidenceInput{ev, ev})
	require.NoError(t, err)
	assert.Len(t, res.EvidenceIDs, 1)
}

func TestCreateFact_NegationPreserved(t *testing.T) {
	b, _ := newTestBuilder()
	ctx := context.Background()

	present, err := b.CreateFact(ctx, feverInput(0.8), nil)
	require.NoError(t, err)
	absentIn := feverInput(0.8)
	absentIn.Assertion = ontology.AssertionAbsent
	absent, err := b.CreateFact(ctx, absentIn, nil)
	require.NoError(t, err)

	assert.True(t, absent.Created)
	assert.NotEqual(t, present.Fact.ID, absent.Fact.ID)
	assert.True(t, absent.Fact.IsNegated())

	negated, err := b.NegatedFacts(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, negated, 1)
	assert.Equal(t, absent.Fact.ID, negated[0].ID)

	all, err := b.FactsForPatient(ctx, "P1", Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	affirmed, err := b.FactsForPatient(ctx, "P1", Filter{ExcludeNegated: true})
	require.NoError(t, err)
	require.Len(t, affirmed, 1)
	assert.Equal(t, present.Fact.ID, affirmed[0].ID)
}

func TestCreateFact_UnmappedTermsStayDistinct(t *testing.T) {
	b, _ := newTestBuilder()
	ctx := context.Background()
	zebra := Input{PatientID: "P1", Domain: ontology.DomainCondition, ConceptName: "Zebra sign", Confidence: 0.4}
	other := Input{PatientID: "P1", Domain: ontology.DomainCondition, ConceptName: "pruritic papules", Confidence: 0.4}

	first, err := b.CreateFact(ctx, zebra, nil)
	require.NoError(t, err)
	second, err := b.CreateFact(ctx, other, nil)
	require.NoError(t, err)
	again, err := b.CreateFact(ctx, Input{PatientID: "P1", Domain: ontology.DomainCondition, ConceptName: " zebra SIGN", Confidence: 0.4}, nil)
	require.NoError(t, err)

	assert.True(t, second.Created)
	assert.NotEqual(t, first.Fact.ID, second.Fact.ID)
	assert.False(t, again.Created)
	assert.Equal(t, first.Fact.ID, again.Fact.ID)
	assert.Equal(t, "zebra sign", first.Fact.SourceTerm)

	mapped, err := b.CreateFact(ctx, Input{PatientID: "P1", ConceptID: 437663, ConceptName: "Fever", SourceTerm: "ignored", Confidence: 0.5}, nil)
	require.NoError(t, err)
	assert.Empty(t, mapped.Fact.SourceTerm)
}

func TestFactsForPatient_DefaultKeepsNegated(t *testing.T) {
	b, _ := newTestBuilder()
	ctx := context.Background()
	in := feverInput(0.9)
	in.Assertion = ontology.AssertionAbsent
	res, err := b.CreateFact(ctx, in, nil)
	require.NoError(t, err)

	got, err := b.FactsForPatient(ctx, "P1", Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, res.Fact.ID, got[0].ID)
	assert.Equal(t, ontology.AssertionAbsent, got[0].Assertion)
}

func TestCreateFact_DistinctContextsAreDistinctFacts(t *testing.T) {
	b, _ := newTestBuilder()
	ctx := context.Background()
	base := feverInput(0.8)
	past := base
	past.Temporality = ontology.TemporalityPast
	family := base
	family.Experiencer = ontology.ExperiencerFamily

	for _, in := range []Input{base, past, family} {
		res, err := b.CreateFact(ctx, in, nil)
		require.NoError(t, err)
		assert.True(t, res.Created)
	}
}

func TestCreateFact_InsertConflictMerges(t *testing.T) {
	mem := NewMemoryStore()
	ctx := context.Background()
	racer := NewBuilder(mem, zerolog.Nop())
	won, err := racer.CreateFact(ctx, feverInput(0.5), nil)
	require.NoError(t, err)

	store := &racyStore{MemoryStore: mem, hide: 1}
	b := NewBuilder(store, zerolog.Nop())
	res, err := b.CreateFact(ctx, feverInput(0.5), nil)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, won.Fact.ID, res.Fact.ID)
	assert.InDelta(t, 0.75, res.Fact.Confidence, 1e-9)
}

func TestCreateFact_PurgedCacheEntryIsEvicted(t *testing.T) {
	b, store := newTestBuilder()
	ctx := context.Background()
	first, err := b.CreateFact(ctx, feverInput(0.8), nil)
	require.NoError(t, err)

	n, err := store.DeletePatient(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := b.CreateFact(ctx, feverInput(0.8), nil)
	require.NoError(t, err)
	assert.True(t, again.Created)
	assert.NotEqual(t, first.Fact.ID, again.Fact.ID)
}

func TestPurgePatient(t *testing.T) {
	b, store := newTestBuilder()
	ctx := context.Background()
	res, err := b.CreateFactFromMention(ctx, uuid.New(), feverInput(0.8))
	require.NoError(t, err)
	other := feverInput(0.8)
	other.PatientID = "P2"
	_, err = b.CreateFact(ctx, other, nil)
	require.NoError(t, err)

	n, err := b.PurgePatient(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ev, err := store.ListEvidence(ctx, res.Fact.ID)
	require.NoError(t, err)
	assert.Empty(t, ev)

	left, err := b.FactsForPatient(ctx, "P2", Filter{})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestCreateFactFromStructured(t *testing.T) {
	b, _ := newTestBuilder()
	ctx := context.Background()
	in := Input{PatientID: "P1", Domain: ontology.DomainDrug, ConceptID: 1503297, ConceptName: "Metformin"}
	res, err := b.CreateFactFromStructured(ctx, StructuredSource{ID: "RXA-1", Notes: "RxNorm|6809|Metformin"}, in)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Fact.Confidence)

	ev, err := b.EvidenceForFact(ctx, res.Fact.ID)
	require.NoError(t, err)
	require.Len(t, ev, 1)
	assert.Equal(t, EvidenceStructured, ev[0].Type)
	assert.Equal(t, SourceStructured, ev[0].SourceTable)
	assert.Equal(t, "RxNorm|6809|Metformin", ev[0].Notes)
}

func TestFactsForPatient_Filters(t *testing.T) {
	b, _ := newTestBuilder()
	ctx := context.Background()
	inputs := []Input{
		feverInput(0.8),
		{PatientID: "P1", Domain: ontology.DomainDrug, ConceptID: 1308216, ConceptName: "Lisinopril", Confidence: 0.9},
		{PatientID: "P1", Domain: ontology.DomainCondition, ConceptName: "zebra sign", Confidence: 0.4},
	}
	for _, in := range inputs {
		_, err := b.CreateFact(ctx, in, nil)
		require.NoError(t, err)
	}

	drugs, err := b.FactsForPatient(ctx, "P1", Filter{Domain: ontology.DomainDrug})
	require.NoError(t, err)
	require.Len(t, drugs, 1)
	assert.Equal(t, "Lisinopril", drugs[0].ConceptName)

	unmapped, err := b.FactsForPatient(ctx, "P1", Filter{UnmappedOnly: true})
	require.NoError(t, err)
	require.Len(t, unmapped, 1)
	assert.True(t, unmapped[0].IsUnmapped())

	got, err := b.GetFact(ctx, drugs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, drugs[0].ID, got.ID)

	missing, err := b.GetFact(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateFact_InvalidInput(t *testing.T) {
	b, _ := newTestBuilder()
	ctx := context.Background()
	cases := map[string]Input{
		"no patient":     {ConceptID: 1, Confidence: 0.5},
		"confidence":     {PatientID: "P1", ConceptID: 1, Confidence: 1.5},
		"bad assertion":  {PatientID: "P1", ConceptID: 1, Assertion: "maybe"},
		"negative id":    {PatientID: "P1", ConceptID: -1},
		"bad experience": {PatientID: "P1", ConceptID: 1, Experiencer: "neighbor"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := b.CreateFact(ctx, in, nil)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	_, err := b.CreateFact(ctx, feverInput(0.5), []EvidenceInput{{Type: "rumor", SourceID: "x", SourceTable: "y"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = b.CreateFact(ctx, feverInput(0.5), []EvidenceInput{{Type: EvidenceMention, SourceID: "x", SourceTable: "y", Weight: 2}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestBuilder_Observer(t *testing.T) {
	b, _ := newTestBuilder()
	o := outcomes{}
	b.SetObserver(o)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := b.CreateFact(ctx, feverInput(0.5), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, o["created"])
	assert.Equal(t, 2, o["merged"])
}

func TestMergeConfidence(t *testing.T) {
	cases := []struct{ a, b, want float64 }{
		{0, 0, 0},
		{0.5, 0.5, 0.75},
		{0.8, 0.7, 0.94},
		{1, 0.2, 1},
		{0.3, 0, 0.3},
	}
	for _, tc := range cases {
		got := MergeConfidence(tc.a, tc.b)
		assert.InDelta(t, tc.want, got, 1e-9)
		assert.GreaterOrEqual(t, got, tc.a-1e-12)
		assert.GreaterOrEqual(t, got, tc.b-1e-12)
	}
}

func TestDedupKey_String(t *testing.T) {
	k := DedupKey{PatientID: "P1", ConceptID: 437663, Assertion: ontology.AssertionAbsent, Temporality: ontology.TemporalityCurrent, Experiencer: ontology.ExperiencerPatient}
	assert.Equal(t, "P1:437663:absent:current:patient", k.String())
}
