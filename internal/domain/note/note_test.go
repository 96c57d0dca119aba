package note

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMentionID_Deterministic(t *testing.T) {
	doc := uuid.New()
	assert.Equal(t, MentionID(doc, 3, 9), MentionID(doc, 3, 9))
	assert.NotEqual(t, MentionID(doc, 3, 9), MentionID(doc, 3, 10))
	assert.NotEqual(t, MentionID(doc, 3, 9), MentionID(uuid.New(), 3, 9))
}

func TestNew(t *testing.T) {
	d := New("p1", "progress_note", "text")
	assert.NotEqual(t, uuid.Nil, d.ID)
	assert.Equal(t, "p1", d.PatientID)
	assert.False(t, d.CreatedAt.IsZero())
}
