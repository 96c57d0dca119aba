package omop

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

var (
	NoteColumns = []string{
		"note_id", "person_id", "note_date", "note_datetime", "note_type_concept_id",
		"note_title", "note_text", "note_source_value",
	}
	NoteNLPColumns = []string{
		"note_nlp_id", "note_id", "snippet", "offset", "lexical_variant", "note_nlp_concept_id",
		"nlp_date", "term_exists", "term_temporal", "term_modifiers",
	}
)

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func i64(v int64) string { return strconv.FormatInt(v, 10) }

// WriteNoteCSV writes rows with a header line. Null columns are empty.
func WriteNoteCSV(w io.Writer, rows []NoteRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(NoteColumns); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{
			i64(r.NoteID), i64(r.PersonID), r.NoteDate, formatTime(r.NoteDatetime), i64(r.NoteTypeConceptID),
			deref(r.NoteTitle), r.NoteText, deref(r.NoteSourceValue),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteNoteNLPCSV(w io.Writer, rows []NoteNLPRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(NoteNLPColumns); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{
			i64(r.NoteNLPID), i64(r.NoteID), r.Snippet, strconv.Itoa(r.Offset), r.LexicalVariant,
			i64(r.NoteNLPConceptID), r.NLPDate, r.TermExists, deref(r.TermTemporal), deref(r.TermModifiers),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
