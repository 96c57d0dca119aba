package section

import "github.com/ehr/normalizer/internal/domain/ontology"

const (
	defaultSectionAffinity = 0.5
	defaultDomainAffinity  = 0.3
)

var domainAffinity = map[Section]map[ontology.Domain]float64{
	ChiefComplaint:       {ontology.DomainCondition: 0.9, ontology.DomainObservation: 0.8},
	HPI:                  {ontology.DomainCondition: 0.9, ontology.DomainObservation: 0.7, ontology.DomainDrug: 0.5},
	PastMedicalHistory:   {ontology.DomainCondition: 1.0, ontology.DomainProcedure: 0.6},
	PastSurgicalHistory:  {ontology.DomainProcedure: 1.0, ontology.DomainCondition: 0.4},
	FamilyHistory:        {ontology.DomainCondition: 1.0},
	SocialHistory:        {ontology.DomainObservation: 0.8, ontology.DomainCondition: 0.5},
	Allergies:            {ontology.DomainDrug: 1.0, ontology.DomainObservation: 0.6},
	Medications:          {ontology.DomainDrug: 1.0},
	HomeMedications:      {ontology.DomainDrug: 1.0},
	DischargeMedications: {ontology.DomainDrug: 1.0},
	VitalSigns:           {ontology.DomainMeasurement: 1.0, ontology.DomainObservation: 0.7},
	PhysicalExam:         {ontology.DomainObservation: 1.0, ontology.DomainCondition: 0.6, ontology.DomainMeasurement: 0.5},
	Labs:                 {ontology.DomainMeasurement: 1.0},
	Imaging:              {ontology.DomainProcedure: 0.8, ontology.DomainObservation: 0.7, ontology.DomainCondition: 0.5},
	EKG:                  {ontology.DomainProcedure: 0.7, ontology.DomainObservation: 0.8, ontology.DomainCondition: 0.5},
	Assessment:           {ontology.DomainCondition: 1.0, ontology.DomainObservation: 0.6},
	AssessmentPlan:       {ontology.DomainCondition: 0.9, ontology.DomainDrug: 0.7, ontology.DomainProcedure: 0.6},
	Plan:                 {ontology.DomainDrug: 0.9, ontology.DomainProcedure: 0.8, ontology.DomainCondition: 0.5},
	Diagnosis:            {ontology.DomainCondition: 1.0},
	DischargeDiagnosis:   {ontology.DomainCondition: 1.0},
	HospitalCourse:       {ontology.DomainCondition: 0.8, ontology.DomainDrug: 0.7, ontology.DomainProcedure: 0.7},
	Procedures:           {ontology.DomainProcedure: 1.0},
}

// DomainAffinity is how expected a domain is within a section, in [0, 1].
func DomainAffinity(s Section, d ontology.Domain) float64 {
	byDomain, ok := domainAffinity[s]
	if !ok {
		return defaultSectionAffinity
	}
	if a, ok := byDomain[d]; ok {
		return a
	}
	return defaultDomainAffinity
}

// ConfidenceModifier maps affinity onto [0.8, 1.1]: strong fit boosts,
// middling fit is near neutral, weak fit dampens.
func ConfidenceModifier(s Section, d ontology.Domain) float64 {
	a := DomainAffinity(s, d)
	switch {
	case a >= 0.8:
		return 1.0 + (a-0.8)*0.5
	case a >= 0.4:
		return 0.95 + (a-0.4)*0.125
	default:
		return 0.8 + a*0.5
	}
}
