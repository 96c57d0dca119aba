package ontology

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDomain(t *testing.T) {
	cases := map[string]Domain{
		"Condition":    DomainCondition,
		"drug":         DomainDrug,
		" Measurement": DomainMeasurement,
		"Procedure":    DomainProcedure,
		"Device":       DomainDevice,
		"Observation":  DomainObservation,
		"Race":         DomainObservation,
		"":             DomainObservation,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseDomain(in), "input %q", in)
	}
}

func TestDomain_OMOPName(t *testing.T) {
	assert.Equal(t, "Condition", DomainCondition.OMOPName())
	assert.Equal(t, "Observation", Domain("bogus").OMOPName())
}

func TestEnumValidity(t *testing.T) {
	assert.True(t, AssertionAbsent.Valid())
	assert.False(t, Assertion("negated").Valid())
	assert.True(t, TemporalityPast.Valid())
	assert.False(t, Temporality("").Valid())
	assert.True(t, ExperiencerFamily.Valid())
	assert.False(t, Experiencer("nurse").Valid())
	assert.True(t, DomainDrug.Valid())
	assert.False(t, Domain("gene").Valid())
}
