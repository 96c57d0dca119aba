// Package omop renders documents and their extracted mentions as OMOP CDM
// NOTE and NOTE_NLP rows. Every function here is pure.
package omop

import (
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/ehr/normalizer/internal/domain/mapping"
	"github.com/ehr/normalizer/internal/domain/note"
	"github.com/ehr/normalizer/internal/domain/ontology"
	"github.com/ehr/normalizer/internal/nlp/extract"
)

const dateLayout = "2006-01-02"

// DefaultNoteTypeConceptID is the OMOP "EHR note" type.
const DefaultNoteTypeConceptID int64 = 44814645

var noteTypeConcepts = map[string]int64{
	"progress_note":     44814645,
	"discharge_summary": 44814646,
	"admission_note":    44814647,
	"h_and_p":           44814648,
	"operative_note":    44814649,
	"consult_note":      44814650,
	"radiology_report":  44814651,
	"pathology_report":  44814652,
	"nursing_note":      44814653,
}

// NoteTypeConceptID maps a free-text note type such as "Discharge Summary"
// to its OMOP type concept.
func NoteTypeConceptID(noteType string) int64 {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(noteType)), " ", "_")
	if id, ok := noteTypeConcepts[key]; ok {
		return id
	}
	return DefaultNoteTypeConceptID
}

// AssertionToTermExists returns N for absent findings and Y otherwise;
// possible findings are exported as present.
func AssertionToTermExists(a ontology.Assertion) string {
	if strings.EqualFold(string(a), string(ontology.AssertionAbsent)) {
		return "N"
	}
	return "Y"
}

func TemporalityToTermTemporal(t ontology.Temporality) (string, bool) {
	switch ontology.Temporality(strings.ToLower(string(t))) {
	case ontology.TemporalityCurrent:
		return "Current", true
	case ontology.TemporalityPast:
		return "Historical", true
	case ontology.TemporalityFuture:
		return "Future", true
	}
	return "", false
}

func PersonID(patientID string) int64 {
	return int64(xxhash.Sum64String(patientID) % 1_000_000_000)
}

func NoteID(documentID uuid.UUID) int64 {
	return int64(xxhash.Sum64String(documentID.String()) % 1_000_000_000_000)
}

func NoteNLPID(mentionID uuid.UUID) int64 {
	return int64(xxhash.Sum64String(mentionID.String()) % 1_000_000_000_000)
}

type NoteRow struct {
	NoteID            int64      `json:"note_id"`
	PersonID          int64      `json:"person_id"`
	NoteDate          string     `json:"note_date"`
	NoteDatetime      *time.Time `json:"note_datetime"`
	NoteTypeConceptID int64      `json:"note_type_concept_id"`
	NoteTitle         *string    `json:"note_title"`
	NoteText          string     `json:"note_text"`
	NoteSourceValue   *string    `json:"note_source_value"`
}

type NoteNLPRow struct {
	NoteNLPID        int64   `json:"note_nlp_id"`
	NoteID           int64   `json:"note_id"`
	Snippet          string  `json:"snippet"`
	Offset           int     `json:"offset"`
	LexicalVariant   string  `json:"lexical_variant"`
	NoteNLPConceptID int64   `json:"note_nlp_concept_id"`
	NLPDate          string  `json:"nlp_date"`
	TermExists       string  `json:"term_exists"`
	TermTemporal     *string `json:"term_temporal"`
	TermModifiers    *string `json:"term_modifiers"`
}

// MentionRecord is a mention as stored for a document, with the candidates
// the mapper proposed for it.
type MentionRecord struct {
	ID         uuid.UUID           `json:"id"`
	DocumentID uuid.UUID           `json:"document_id"`
	Mention    extract.Mention     `json:"mention"`
	Candidates []mapping.Candidate `json:"candidates"`
	CreatedAt  time.Time           `json:"created_at"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// dateOf leaves the date empty for an unstamped record.
func dateOf(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateLayout)
}

func DocumentToNote(doc *note.Document) NoteRow {
	row := NoteRow{
		NoteID:            NoteID(doc.ID),
		PersonID:          PersonID(doc.PatientID),
		NoteDate:          dateOf(doc.CreatedAt),
		NoteTypeConceptID: NoteTypeConceptID(doc.NoteType),
		NoteText:          doc.Text,
		NoteSourceValue:   optional(doc.SourceValue),
	}
	if row.NoteSourceValue == nil {
		row.NoteSourceValue = optional(doc.ID.String())
	}
	if !doc.CreatedAt.IsZero() {
		ts := doc.CreatedAt.UTC()
		row.NoteDatetime = &ts
	}
	title := doc.Title
	if title == "" {
		title = doc.NoteType
	}
	row.NoteTitle = optional(title)
	return row
}

// MentionToNoteNLP builds the NOTE_NLP row for rec. noteID defaults to the id
// derived from the document, and best defaults to the lowest-ranked
// candidate. A mention with neither gets concept 0.
func MentionToNoteNLP(rec MentionRecord, noteID *int64, best *mapping.Candidate) NoteNLPRow {
	m := rec.Mention
	row := NoteNLPRow{
		NoteNLPID:      NoteNLPID(rec.ID),
		Snippet:        m.Text,
		Offset:         m.Start,
		LexicalVariant: m.LexicalVariant,
		NLPDate:        dateOf(rec.CreatedAt),
		TermExists:     AssertionToTermExists(m.Assertion),
	}
	if noteID != nil {
		row.NoteID = *noteID
	} else {
		row.NoteID = NoteID(rec.DocumentID)
	}
	if row.LexicalVariant == "" {
		row.LexicalVariant = m.Text
	}

	if best == nil {
		for i := range rec.Candidates {
			if best == nil || rec.Candidates[i].Rank < best.Rank {
				best = &rec.Candidates[i]
			}
		}
	}
	if best != nil {
		row.NoteNLPConceptID = best.ConceptID
	}

	if t, ok := TemporalityToTermTemporal(m.Temporality); ok {
		row.TermTemporal = &t
	}

	var mods []string
	if m.Experiencer != "" && m.Experiencer != ontology.ExperiencerPatient {
		mods = append(mods, "experiencer:"+string(m.Experiencer))
	}
	if m.Confidence < 1.0 {
		mods = append(mods, "confidence:"+strconv.FormatFloat(m.Confidence, 'f', 2, 64))
	}
	if len(mods) > 0 {
		s := strings.Join(mods, ",")
		row.TermModifiers = &s
	}
	return row
}

// DocumentExport is a note with its NLP rows.
type DocumentExport struct {
	Note NoteRow      `json:"note"`
	NLP  []NoteNLPRow `json:"note_nlp"`
}

func ExportDocument(doc *note.Document, records []MentionRecord) DocumentExport {
	out := DocumentExport{Note: DocumentToNote(doc), NLP: make([]NoteNLPRow, 0, len(records))}
	noteID := out.Note.NoteID
	for _, rec := range records {
		out.NLP = append(out.NLP, MentionToNoteNLP(rec, &noteID, nil))
	}
	return out
}
