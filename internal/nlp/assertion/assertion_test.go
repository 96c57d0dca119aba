package assertion

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ehr/normalizer/internal/domain/ontology"
)

func classify(t *testing.T, text, term string) Result {
	t.Helper()
	i := strings.Index(text, term)
	if i < 0 {
		t.Fatalf("term %q not in %q", term, text)
	}
	return NewClassifier().Classify(text, i, i+len(term))
}

func TestClassify_Assertion(t *testing.T) {
	cases := []struct {
		text, term string
		want       ontology.Assertion
	}{
		{"Patient denies chest pain", "chest pain", ontology.AssertionAbsent},
		{"No fever today", "fever", ontology.AssertionAbsent},
		{"negative for pneumonia", "pneumonia", ontology.AssertionAbsent},
		{"PE unlikely given exam", "PE", ontology.AssertionPresent},
		{"Pneumonia is unlikely; sepsis", "sepsis", ontology.AssertionPresent},
		{"unlikely pneumonia", "pneumonia", ontology.AssertionAbsent},
		{"likely pneumonia", "pneumonia", ontology.AssertionPossible},
		{"cannot rule out sepsis", "sepsis", ontology.AssertionPossible},
		{"Possible pneumonia.", "pneumonia", ontology.AssertionPossible},
		{"concern for stroke", "stroke", ontology.AssertionPossible},
		{"Has diabetes", "diabetes", ontology.AssertionPresent},
		{"Nothing acute, diabetes controlled", "diabetes", ontology.AssertionPresent},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(t, tc.text, tc.term).Assertion)
		})
	}
}

func TestClassify_ClauseBoundaryStopsNegation(t *testing.T) {
	assert.Equal(t, ontology.AssertionPresent, classify(t, "No fever. Cough present", "Cough").Assertion)
	assert.Equal(t, ontology.AssertionPresent, classify(t, "No fever but cough present", "cough").Assertion)
	assert.Equal(t, ontology.AssertionAbsent, classify(t, "No fever, chills", "chills").Assertion)
}

func TestClassify_Temporality(t *testing.T) {
	assert.Equal(t, ontology.TemporalityPast, classify(t, "history of asthma", "asthma").Temporality)
	assert.Equal(t, ontology.TemporalityPast, classify(t, "prior stroke", "stroke").Temporality)
	assert.Equal(t, ontology.TemporalityFuture, classify(t, "scheduled for colonoscopy", "colonoscopy").Temporality)
	assert.Equal(t, ontology.TemporalityFuture, classify(t, "will start metformin", "metformin").Temporality)
	assert.Equal(t, ontology.TemporalityCurrent, classify(t, "cough today", "cough").Temporality)
}

func TestClassify_Experiencer(t *testing.T) {
	assert.Equal(t, ontology.ExperiencerFamily, classify(t, "Mother with diabetes", "diabetes").Experiencer)
	assert.Equal(t, ontology.ExperiencerFamily, classify(t, "FAMILY HISTORY: breast cancer", "breast cancer").Experiencer)
	assert.Equal(t, ontology.ExperiencerOther, classify(t, "Wife has influenza", "influenza").Experiencer)
	assert.Equal(t, ontology.ExperiencerPatient, classify(t, "Mother with diabetes. Patient has asthma", "asthma").Experiencer)
}

func TestClassify_Scenario(t *testing.T) {
	text := "FAMILY HISTORY: Mother with diabetes. ASSESSMENT: No fever. Possible pneumonia."

	diabetes := classify(t, text, "diabetes")
	assert.Equal(t, ontology.ExperiencerFamily, diabetes.Experiencer)
	assert.Equal(t, ontology.AssertionPresent, diabetes.Assertion)

	fever := classify(t, text, "fever")
	assert.Equal(t, ontology.AssertionAbsent, fever.Assertion)
	assert.Equal(t, ontology.ExperiencerPatient, fever.Experiencer)

	pneumonia := classify(t, text, "pneumonia")
	assert.Equal(t, ontology.AssertionPossible, pneumonia.Assertion)
}

func TestClassify_OutOfRangeOffsets(t *testing.T) {
	res := NewClassifier().Classify("fever", -3, 99)
	assert.Equal(t, ontology.AssertionPresent, res.Assertion)
}

func TestWithWindow(t *testing.T) {
	text := "no " + strings.Repeat("x", 20) + " fever"
	i := strings.Index(text, "fever")
	assert.Equal(t, ontology.AssertionPresent, NewClassifier(WithWindow(10)).Classify(text, i, i+5).Assertion)
	assert.Equal(t, ontology.AssertionAbsent, NewClassifier().Classify(text, i, i+5).Assertion)
	assert.Equal(t, DefaultWindow, NewClassifier(WithWindow(0)).Window())
}

func TestWithWindow_CountsCharacters(t *testing.T) {
	accents := strings.Repeat("é", 8)

	text := "no " + accents + " fever"
	i := strings.Index(text, "fever")
	assert.Equal(t, ontology.AssertionPresent, NewClassifier(WithWindow(11)).Classify(text, i, i+5).Assertion)
	assert.Equal(t, ontology.AssertionAbsent, NewClassifier(WithWindow(12)).Classify(text, i, i+5).Assertion)

	text = "fever " + accents + " had"
	assert.Equal(t, ontology.TemporalityCurrent, NewClassifier(WithWindow(12)).Classify(text, 0, 5).Temporality)
	assert.Equal(t, ontology.TemporalityPast, NewClassifier(WithWindow(13)).Classify(text, 0, 5).Temporality)
}
