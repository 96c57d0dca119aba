// Package fhir reads FHIR R4 Bundles and turns clinical resources into
// ingest records.
package fhir

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ehr/normalizer/internal/domain/ontology"
	"github.com/ehr/normalizer/internal/ingest"
)

type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// primary returns the first coding that carries a code, with the concept
// text as the display fallback.
func (cc *CodeableConcept) primary() Coding {
	if cc == nil {
		return Coding{}
	}
	for _, c := range cc.Coding {
		if c.Code != "" {
			if c.Display == "" {
				c.Display = cc.Text
			}
			return c
		}
	}
	return Coding{Display: cc.Text}
}

// status returns the first code of a status concept.
func (cc *CodeableConcept) status() string {
	if cc == nil {
		return ""
	}
	for _, c := range cc.Coding {
		if c.Code != "" {
			return strings.ToLower(c.Code)
		}
	}
	return strings.ToLower(cc.Text)
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
}

// id returns the logical id of a relative or absolute reference.
func (r *Reference) id() string {
	if r == nil {
		return ""
	}
	ref := strings.TrimSuffix(r.Reference, "/")
	if i := strings.LastIndexByte(ref, '/'); i >= 0 {
		return ref[i+1:]
	}
	return strings.TrimPrefix(ref, "urn:uuid:")
}

type Quantity struct {
	Value *json.Number `json:"value,omitempty"`
	Unit  string       `json:"unit,omitempty"`
	Code  string       `json:"code,omitempty"`
}

// resource is the union of the fields read from the supported resource types.
type resource struct {
	ResourceType              string            `json:"resourceType"`
	ID                        string            `json:"id"`
	Status                    string            `json:"status"`
	Code                      *CodeableConcept  `json:"code"`
	MedicationCodeableConcept *CodeableConcept  `json:"medicationCodeableConcept"`
	ClinicalStatus            *CodeableConcept  `json:"clinicalStatus"`
	VerificationStatus        *CodeableConcept  `json:"verificationStatus"`
	Category                  []CodeableConcept `json:"category"`
	Subject                   *Reference        `json:"subject"`
	Patient                   *Reference        `json:"patient"`
	ValueQuantity             *Quantity         `json:"valueQuantity"`
	ValueCodeableConcept      *CodeableConcept  `json:"valueCodeableConcept"`
	ValueString               string            `json:"valueString"`
}

// Read decodes a Bundle, or a single resource, from r. Unsupported resource
// types are ignored.
func Read(r io.Reader) ([]ingest.Record, error) {
	dec := json.NewDecoder(r)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("fhir: decode: %w", err)
	}

	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("fhir: decode: %w", err)
	}
	if head.ResourceType == "" {
		return nil, fmt.Errorf("fhir: missing resourceType")
	}
	if head.ResourceType != "Bundle" {
		rec, ok, err := decodeResource(raw, "")
		if err != nil || !ok {
			return nil, err
		}
		return []ingest.Record{rec}, nil
	}

	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("fhir: decode bundle: %w", err)
	}
	var out []ingest.Record
	for i, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		rec, ok, err := decodeResource(e.Resource, e.FullURL)
		if err != nil {
			return nil, fmt.Errorf("fhir: entry %d: %w", i, err)
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func decodeResource(raw json.RawMessage, fullURL string) (ingest.Record, bool, error) {
	var res resource
	if err := json.Unmarshal(raw, &res); err != nil {
		return ingest.Record{}, false, err
	}

	rec := ingest.Record{SourceID: sourceID(&res, fullURL), PatientID: res.Subject.id()}
	if rec.PatientID == "" {
		rec.PatientID = res.Patient.id()
	}
	code := res.Code

	switch res.ResourceType {
	case "Condition":
		rec.Domain = ontology.DomainCondition
		applyVerification(&rec, res.VerificationStatus)
		applyClinicalStatus(&rec, res.ClinicalStatus)

	case "AllergyIntolerance":
		rec.Domain = ontology.DomainObservation
		applyVerification(&rec, res.VerificationStatus)
		applyClinicalStatus(&rec, res.ClinicalStatus)

	case "Observation":
		rec.Domain = ontology.DomainObservation
		for _, cat := range res.Category {
			if s := cat.status(); s == "laboratory" || s == "vital-signs" {
				rec.Domain = ontology.DomainMeasurement
			}
		}
		switch res.Status {
		case "entered-in-error", "cancelled":
			rec.SkipReason = "observation " + res.Status
		case "registered", "preliminary":
			rec.SkipReason = "observation not final"
		}
		switch {
		case res.ValueQuantity != nil:
			if res.ValueQuantity.Value != nil {
				rec.Value = res.ValueQuantity.Value.String()
			}
			rec.Unit = res.ValueQuantity.Unit
			if rec.Unit == "" {
				rec.Unit = res.ValueQuantity.Code
			}
		case res.ValueCodeableConcept != nil:
			rec.Value = res.ValueCodeableConcept.primary().Display
		default:
			rec.Value = res.ValueString
		}

	case "MedicationStatement", "MedicationRequest":
		rec.Domain = ontology.DomainDrug
		code = res.MedicationCodeableConcept
		switch res.Status {
		case "entered-in-error":
			rec.SkipReason = "medication entered-in-error"
		case "not-taken":
			rec.Assertion = ontology.AssertionAbsent
		case "completed", "stopped":
			rec.Temporality = ontology.TemporalityPast
		case "intended", "draft":
			rec.Temporality = ontology.TemporalityFuture
		}

	case "Procedure":
		rec.Domain = ontology.DomainProcedure
		switch res.Status {
		case "entered-in-error":
			rec.SkipReason = "procedure entered-in-error"
		case "not-done":
			rec.Assertion = ontology.AssertionAbsent
		case "preparation":
			rec.Temporality = ontology.TemporalityFuture
		}

	default:
		return ingest.Record{}, false, nil
	}

	c := code.primary()
	rec.System, rec.Code, rec.Display = c.System, c.Code, c.Display
	return rec, true, nil
}

func applyVerification(rec *ingest.Record, cc *CodeableConcept) {
	switch cc.status() {
	case "refuted":
		rec.Assertion = ontology.AssertionAbsent
	case "unconfirmed", "provisional", "differential":
		rec.Assertion = ontology.AssertionPossible
	case "entered-in-error":
		rec.SkipReason = "verification entered-in-error"
	}
}

func applyClinicalStatus(rec *ingest.Record, cc *CodeableConcept) {
	switch cc.status() {
	case "inactive", "resolved", "remission":
		rec.Temporality = ontology.TemporalityPast
	}
}

func sourceID(res *resource, fullURL string) string {
	switch {
	case res.ID != "":
		return "fhir:" + res.ResourceType + "/" + res.ID
	case fullURL != "":
		return "fhir:" + fullURL
	}
	return "fhir:" + res.ResourceType
}
