package note

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Document is a single clinical note.
type Document struct {
	ID          uuid.UUID `json:"id"`
	PatientID   string    `json:"patient_id"`
	NoteType    string    `json:"note_type,omitempty"`
	Title       string    `json:"title,omitempty"`
	Text        string    `json:"text"`
	SourceValue string    `json:"source_value,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// New builds a document with a random ID stamped now.
func New(patientID, noteType, text string) *Document {
	return &Document{
		ID:        uuid.New(),
		PatientID: patientID,
		NoteType:  noteType,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
}

// MentionID derives a stable identifier for the span [start, end) of the
// document, so reprocessing the same note yields the same mention ids.
func MentionID(documentID uuid.UUID, start, end int) uuid.UUID {
	return uuid.NewSHA1(documentID, []byte(strconv.Itoa(start)+":"+strconv.Itoa(end)))
}
