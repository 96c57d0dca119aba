package omop

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/normalizer/internal/domain/mapping"
	"github.com/ehr/normalizer/internal/domain/note"
	"github.com/ehr/normalizer/internal/domain/ontology"
	"github.com/ehr/normalizer/internal/domain/vocabulary/vocabularytest"
	"github.com/ehr/normalizer/internal/nlp/extract"
)

func TestAssertionToTermExists(t *testing.T) {
	assert.Equal(t, "Y", AssertionToTermExists(ontology.AssertionPresent))
	assert.Equal(t, "Y", AssertionToTermExists(ontology.AssertionPossible))
	assert.Equal(t, "N", AssertionToTermExists(ontology.AssertionAbsent))
	assert.Equal(t, "N", AssertionToTermExists("ABSENT"))
}

func TestTemporalityToTermTemporal(t *testing.T) {
	cases := map[ontology.Temporality]string{
		ontology.TemporalityCurrent: "Current",
		ontology.TemporalityPast:    "Historical",
		ontology.TemporalityFuture:  "Future",
	}
	for in, want := range cases {
		got, ok := TemporalityToTermTemporal(in)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := TemporalityToTermTemporal("someday")
	assert.False(t, ok)
}

func TestNoteTypeConceptID(t *testing.T) {
	assert.Equal(t, int64(44814646), NoteTypeConceptID("Discharge Summary"))
	assert.Equal(t, int64(44814648), NoteTypeConceptID("h_and_p"))
	assert.Equal(t, int64(44814653), NoteTypeConceptID(" nursing note "))
	assert.Equal(t, DefaultNoteTypeConceptID, NoteTypeConceptID(""))
	assert.Equal(t, DefaultNoteTypeConceptID, NoteTypeConceptID("letter"))
}

func TestIDsAreDeterministicAndBounded(t *testing.T) {
	id := uuid.MustParse("6f1c2a5e-3b7d-4c1e-9a2b-0d4e5f6a7b8c")
	assert.Equal(t, NoteID(id), NoteID(id))
	assert.Equal(t, PersonID("P001"), PersonID("P001"))
	assert.NotEqual(t, PersonID("P001"), PersonID("P002"))
	assert.Less(t, PersonID("P001"), int64(1_000_000_000))
	assert.GreaterOrEqual(t, PersonID("P001"), int64(0))
	assert.Less(t, NoteNLPID(id), int64(1_000_000_000_000))
}

func TestDocumentToNote(t *testing.T) {
	created := time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)
	doc := &note.Document{ID: uuid.New(), PatientID: "P001", NoteType: "Progress Note", Text: "CC: cough", CreatedAt: created}

	row := DocumentToNote(doc)
	assert.Equal(t, NoteID(doc.ID), row.NoteID)
	assert.Equal(t, PersonID("P001"), row.PersonID)
	assert.Equal(t, "2024-03-09", row.NoteDate)
	require.NotNil(t, row.NoteDatetime)
	assert.True(t, created.Equal(*row.NoteDatetime))
	assert.Equal(t, int64(44814645), row.NoteTypeConceptID)
	require.NotNil(t, row.NoteTitle)
	assert.Equal(t, "Progress Note", *row.NoteTitle)
	require.NotNil(t, row.NoteSourceValue)
	assert.Equal(t, doc.ID.String(), *row.NoteSourceValue)

	first := DocumentToNote(&note.Document{ID: doc.ID, PatientID: "P001"})
	again := DocumentToNote(&note.Document{ID: doc.ID, PatientID: "P001"})
	assert.Empty(t, first.NoteDate)
	assert.Nil(t, first.NoteDatetime)
	assert.Equal(t, first, again)
}

func TestMentionToNoteNLP(t *testing.T) {
	rec := MentionRecord{
		ID:         uuid.New(),
		DocumentID: uuid.New(),
		Mention: extract.Mention{
			Text: "Diabetes", Start: 27, End: 35, LexicalVariant: "diabetes",
			Assertion: ontology.AssertionPresent, Temporality: ontology.TemporalityPast,
			Experiencer: ontology.ExperiencerFamily, Confidence: 0.8567,
		},
		Candidates: []mapping.Candidate{
			{ConceptID: 999, Rank: 2},
			{ConceptID: vocabularytest.Type2Diabetes, Rank: 1},
		},
		CreatedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}

	row := MentionToNoteNLP(rec, nil, nil)
	assert.Equal(t, NoteNLPID(rec.ID), row.NoteNLPID)
	assert.Equal(t, NoteID(rec.DocumentID), row.NoteID)
	assert.Equal(t, "Diabetes", row.Snippet)
	assert.Equal(t, 27, row.Offset)
	assert.Equal(t, "diabetes", row.LexicalVariant)
	assert.Equal(t, vocabularytest.Type2Diabetes, row.NoteNLPConceptID)
	assert.Equal(t, "2024-01-02", row.NLPDate)
	assert.Equal(t, "Y", row.TermExists)
	require.NotNil(t, row.TermTemporal)
	assert.Equal(t, "Historical", *row.TermTemporal)
	require.NotNil(t, row.TermModifiers)
	assert.Equal(t, "experiencer:family,confidence:0.86", *row.TermModifiers)

	noteID := int64(42)
	row = MentionToNoteNLP(rec, &noteID, &mapping.Candidate{ConceptID: 7})
	assert.Equal(t, int64(42), row.NoteID)
	assert.Equal(t, int64(7), row.NoteNLPConceptID)
}

func TestMentionToNoteNLP_DefaultsAreNull(t *testing.T) {
	rec := MentionRecord{ID: uuid.New(), Mention: extract.Mention{
		Text: "cough", Assertion: ontology.AssertionPresent, Temporality: ontology.TemporalityCurrent,
		Experiencer: ontology.ExperiencerPatient, Confidence: 1.0,
	}}
	row := MentionToNoteNLP(rec, nil, nil)
	assert.Nil(t, row.TermModifiers)
	assert.Equal(t, int64(0), row.NoteNLPConceptID)
	assert.Equal(t, "cough", row.LexicalVariant)
	assert.Empty(t, row.NLPDate, "an unstamped record has no date")

	raw, err := json.Marshal(row)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"term_modifiers":null`)
	assert.Contains(t, string(raw), `"term_temporal":"Current"`)
}

func TestExportDocument_Scenario(t *testing.T) {
	holder := vocabularytest.Holder()
	ex, err := extract.NewExtractor(holder)
	require.NoError(t, err)
	mapper := mapping.NewMapper(holder)

	doc := note.New("P001", "progress_note", "FAMILY HISTORY: Mother with diabetes. ASSESSMENT: No fever. Possible pneumonia.")
	mentions, err := ex.Extract(doc.Text, doc.ID, doc.NoteType)
	require.NoError(t, err)
	require.Len(t, mentions, 3)

	var records []MentionRecord
	for _, m := range mentions {
		cands, err := mapper.Map(context.Background(), m.Text, "", 3)
		require.NoError(t, err)
		records = append(records, MentionRecord{
			ID: note.MentionID(doc.ID, m.Start, m.End), DocumentID: doc.ID, Mention: m, Candidates: cands,
		})
	}

	out := ExportDocument(doc, records)
	require.Len(t, out.NLP, 3)
	var exists []string
	for _, r := range out.NLP {
		exists = append(exists, r.TermExists)
		assert.Equal(t, out.Note.NoteID, r.NoteID)
	}
	assert.Equal(t, []string{"Y", "N", "Y"}, exists)
	assert.Equal(t, vocabularytest.Type2Diabetes, out.NLP[0].NoteNLPConceptID)
	assert.Equal(t, vocabularytest.Fever, out.NLP[1].NoteNLPConceptID)
	assert.Equal(t, vocabularytest.Pneumonia, out.NLP[2].NoteNLPConceptID)
}

func TestWriteCSV(t *testing.T) {
	title := "Progress Note"
	notes := []NoteRow{{NoteID: 1, PersonID: 2, NoteDate: "2024-01-02", NoteTypeConceptID: 44814645, NoteTitle: &title, NoteText: "line one\nline, two"}}
	var buf bytes.Buffer
	require.NoError(t, WriteNoteCSV(&buf, notes))

	recs, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, NoteColumns, recs[0])
	assert.Equal(t, "line one\nline, two", recs[1][6])
	assert.Equal(t, "", recs[1][3])

	temporal := "Current"
	buf.Reset()
	require.NoError(t, WriteNoteNLPCSV(&buf, []NoteNLPRow{{NoteNLPID: 9, NoteID: 1, Snippet: "fever", Offset: 4, LexicalVariant: "fever", NoteNLPConceptID: 437663, NLPDate: "2024-01-02", TermExists: "N", TermTemporal: &temporal}}))
	recs, err = csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, NoteNLPColumns, recs[0])
	assert.Equal(t, []string{"9", "1", "fever", "4", "fever", "437663", "2024-01-02", "N", "Current", ""}, recs[1])
}
