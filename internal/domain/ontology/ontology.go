// Package ontology holds the clinical-context enums shared by the extraction,
// fact, graph, and export stages.
package ontology

import "strings"

// Assertion is whether a finding is affirmed, negated, or hedged.
type Assertion string

const (
	AssertionPresent  Assertion = "present"
	AssertionAbsent   Assertion = "absent"
	AssertionPossible Assertion = "possible"
)

func (a Assertion) Valid() bool {
	switch a {
	case AssertionPresent, AssertionAbsent, AssertionPossible:
		return true
	}
	return false
}

// Temporality places a finding relative to the encounter.
type Temporality string

const (
	TemporalityCurrent Temporality = "current"
	TemporalityPast    Temporality = "past"
	TemporalityFuture  Temporality = "future"
)

func (t Temporality) Valid() bool {
	switch t {
	case TemporalityCurrent, TemporalityPast, TemporalityFuture:
		return true
	}
	return false
}

// Experiencer is who the finding applies to.
type Experiencer string

const (
	ExperiencerPatient Experiencer = "patient"
	ExperiencerFamily  Experiencer = "family"
	ExperiencerOther   Experiencer = "other"
)

func (e Experiencer) Valid() bool {
	switch e {
	case ExperiencerPatient, ExperiencerFamily, ExperiencerOther:
		return true
	}
	return false
}

// Domain is the OMOP domain of a concept.
type Domain string

const (
	DomainCondition   Domain = "condition"
	DomainDrug        Domain = "drug"
	DomainMeasurement Domain = "measurement"
	DomainProcedure   Domain = "procedure"
	DomainObservation Domain = "observation"
	DomainDevice      Domain = "device"
	DomainVisit       Domain = "visit"
	DomainSpecimen    Domain = "specimen"
)

var omopDomainNames = map[Domain]string{
	DomainCondition:   "Condition",
	DomainDrug:        "Drug",
	DomainMeasurement: "Measurement",
	DomainProcedure:   "Procedure",
	DomainObservation: "Observation",
	DomainDevice:      "Device",
	DomainVisit:       "Visit",
	DomainSpecimen:    "Specimen",
}

// ParseDomain accepts either the lowercase enum value or an OMOP domain_id
// such as "Condition". Anything unrecognized maps to observation.
func ParseDomain(s string) Domain {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "condition", "condition_occurrence":
		return DomainCondition
	case "drug", "drug_exposure":
		return DomainDrug
	case "measurement":
		return DomainMeasurement
	case "procedure", "procedure_occurrence":
		return DomainProcedure
	case "device", "device_exposure":
		return DomainDevice
	case "visit", "visit_occurrence":
		return DomainVisit
	case "specimen", "spec anatomic site", "spec_anatomic_site":
		return DomainSpecimen
	default:
		return DomainObservation
	}
}

// OMOPName returns the OMOP CDM domain_id spelling.
func (d Domain) OMOPName() string {
	if n, ok := omopDomainNames[d]; ok {
		return n
	}
	return "Observation"
}

func (d Domain) Valid() bool {
	_, ok := omopDomainNames[d]
	return ok
}
