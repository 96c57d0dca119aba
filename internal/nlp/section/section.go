// Package section splits clinical notes into their conventional headed
// sections and scores how well each OMOP domain fits a section.
package section

import (
	"regexp"
	"sort"
	"strings"
)

// Section is the canonical name of a note section.
type Section string

const (
	ChiefComplaint        Section = "Chief Complaint"
	HPI                   Section = "History of Present Illness"
	PastMedicalHistory    Section = "Past Medical History"
	PastSurgicalHistory   Section = "Past Surgical History"
	FamilyHistory         Section = "Family History"
	SocialHistory         Section = "Social History"
	ReviewOfSystems       Section = "Review of Systems"
	Allergies             Section = "Allergies"
	Medications           Section = "Medications"
	HomeMedications       Section = "Home Medications"
	VitalSigns            Section = "Vital Signs"
	PhysicalExam          Section = "Physical Exam"
	Labs                  Section = "Labs"
	Imaging               Section = "Imaging"
	EKG                   Section = "EKG"
	Studies               Section = "Studies"
	Assessment            Section = "Assessment"
	AssessmentPlan        Section = "Assessment and Plan"
	Diagnosis             Section = "Diagnosis"
	Impression            Section = "Impression"
	Plan                  Section = "Plan"
	HospitalCourse        Section = "Hospital Course"
	Procedures            Section = "Procedures"
	DischargeDiagnosis    Section = "Discharge Diagnosis"
	DischargeMedications  Section = "Discharge Medications"
	DischargeInstructions Section = "Discharge Instructions"
	FollowUp              Section = "Follow-up"
	Unknown               Section = "Unknown"
)

// Span is a section occurrence covering text[Start:End].
type Span struct {
	Section Section `json:"section"`
	Start   int     `json:"start"`
	End     int     `json:"end"`
	Header  string  `json:"header,omitempty"`
}

type headerPattern struct {
	re      *regexp.Regexp
	section Section
}

// Order matters: when two headers begin at the same offset the earlier
// pattern wins, so composite headers are listed before their parts.
var headerPatterns = []struct {
	expr    string
	section Section
}{
	{`\b(?:CHIEF\s+COMPLAINT|CC|C/C|REASON\s+FOR\s+(?:VISIT|ADMISSION))\s*:`, ChiefComplaint},
	{`\b(?:HISTORY\s+OF\s+(?:THE\s+)?PRESENT(?:ING)?\s+ILLNESS|HPI|H\.P\.I\.)\s*:`, HPI},
	{`\b(?:PAST\s+MEDICAL\s+HISTORY|PMHx?|P\.M\.H\.|MEDICAL\s+HISTORY)\s*:`, PastMedicalHistory},
	{`\b(?:PAST\s+SURGICAL\s+HISTORY|PSHx?|SURGICAL\s+HISTORY)\s*:`, PastSurgicalHistory},
	{`\b(?:FAMILY\s+HISTORY|FHx?|F\.H\.)\s*:`, FamilyHistory},
	{`\b(?:SOCIAL\s+HISTORY|SHx|S\.H\.)\s*:`, SocialHistory},
	{`\b(?:REVIEW\s+OF\s+SYSTEMS|ROS|R\.O\.S\.)\s*:`, ReviewOfSystems},
	{`\b(?:ALLERGIES|DRUG\s+ALLERGIES|KNOWN\s+ALLERGIES)\s*:`, Allergies},
	{`\b(?:DISCHARGE\s+MEDICATIONS?|D/C\s+MEDS?)\s*:`, DischargeMedications},
	{`\b(?:HOME\s+MEDICATIONS?|OUTPATIENT\s+MEDICATIONS?)\s*:`, HomeMedications},
	{`\b(?:MEDICATIONS?|CURRENT\s+MEDICATIONS?)\s*:`, Medications},
	{`\b(?:VITAL\s+SIGNS?|VITALS?)\s*:`, VitalSigns},
	{`\b(?:PHYSICAL\s+EXAM(?:INATION)?|P\.E\.)\s*:`, PhysicalExam},
	{`\b(?:LAB(?:ORATORY)?\s*(?:RESULTS?|DATA|VALUES?)?|LABS)\s*:`, Labs},
	{`\b(?:IMAGING|RADIOLOGY)\s*:`, Imaging},
	{`\b(?:EKG|ECG|ELECTROCARDIOGRAM)\s*:`, EKG},
	{`\b(?:STUDIES|DIAGNOSTIC\s+STUDIES)\s*:`, Studies},
	{`\b(?:ASSESSMENT\s*(?:AND|&|/)\s*PLAN|A\s*/\s*P)\s*:`, AssessmentPlan},
	{`\b(?:ASSESSMENT|IMPRESSION|CLINICAL\s+IMPRESSION)\s*:`, Assessment},
	{`\b(?:PLAN|TREATMENT\s+PLAN|MANAGEMENT)\s*:`, Plan},
	{`\b(?:DISCHARGE\s+DIAGNOSIS|DISCHARGE\s+DX|FINAL\s+DIAGNOSIS)\s*:`, DischargeDiagnosis},
	{`\b(?:DIAGNOSIS|DIAGNOSES|PROBLEM\s+LIST)\s*:`, Diagnosis},
	{`\b(?:ADMISSION\s+DIAGNOSIS|ADMITTING\s+DIAGNOSIS)\s*:`, Diagnosis},
	{`\b(?:HOSPITAL\s+COURSE|CLINICAL\s+COURSE)\s*:`, HospitalCourse},
	{`\b(?:PROCEDURES?|OPERATIONS?|INTERVENTIONS?)\s*:`, Procedures},
	{`\b(?:FOLLOW[\s-]?UP|F/U|DISPOSITION)\s*:`, FollowUp},
	{`\b(?:DISCHARGE\s+INSTRUCTIONS?|PATIENT\s+INSTRUCTIONS?)\s*:`, DischargeInstructions},
}

var compiled = func() []headerPattern {
	out := make([]headerPattern, len(headerPatterns))
	for i, p := range headerPatterns {
		out[i] = headerPattern{re: regexp.MustCompile(`(?i)` + p.expr), section: p.section}
	}
	return out
}()

// Parser detects section headers. It holds no mutable state and is safe for
// concurrent use.
type Parser struct {
	patterns []headerPattern
}

func NewParser() *Parser {
	return &Parser{patterns: compiled}
}

type headerMatch struct {
	start, end int
	priority   int
	section    Section
}

// Parse returns spans that tile [0, len(text)) in order. Text before the
// first header, or a note with no headers at all, is reported as Unknown.
// Headers nested inside an already accepted header are ignored, so "PLAN:"
// within "ASSESSMENT AND PLAN:" does not open a section of its own.
func (p *Parser) Parse(text string) []Span {
	if text == "" {
		return nil
	}

	var matches []headerMatch
	for i, hp := range p.patterns {
		for _, loc := range hp.re.FindAllStringIndex(text, -1) {
			matches = append(matches, headerMatch{start: loc[0], end: loc[1], priority: i, section: hp.section})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].start != matches[j].start {
			return matches[i].start < matches[j].start
		}
		return matches[i].priority < matches[j].priority
	})

	var spans []Span
	claimed := 0
	for _, m := range matches {
		if len(spans) > 0 && m.start < claimed {
			continue
		}
		spans = append(spans, Span{
			Section: m.section,
			Start:   m.start,
			End:     len(text),
			Header:  strings.TrimSpace(text[m.start:m.end]),
		})
		claimed = m.end
	}

	if len(spans) == 0 {
		return []Span{{Section: Unknown, Start: 0, End: len(text)}}
	}
	if spans[0].Start > 0 {
		spans = append([]Span{{Section: Unknown, Start: 0}}, spans...)
	}
	for i := 0; i < len(spans)-1; i++ {
		spans[i].End = spans[i+1].Start
	}
	return spans
}

// SectionAt parses text and returns the section containing offset.
func (p *Parser) SectionAt(text string, offset int) Section {
	return Lookup(p.Parse(text), offset)
}

// Lookup finds the section covering offset in spans produced by Parse.
func Lookup(spans []Span, offset int) Section {
	i := sort.Search(len(spans), func(i int) bool { return spans[i].Start > offset })
	if i == 0 {
		return Unknown
	}
	return spans[i-1].Section
}
