package hl7v2

import (
	"fmt"
	"strings"

	"github.com/ehr/normalizer/internal/domain/ontology"
	"github.com/ehr/normalizer/internal/ingest"
)

// OBX-11 statuses that retract or never produced a result.
var retractedResult = map[string]string{
	"D": "result deleted",
	"W": "result entered in error",
	"X": "result cannot be obtained",
}

// Records extracts DG1 diagnoses, OBX results, AL1 allergies and PR1
// procedures. Segments without a coded element are dropped.
func Records(msg *Message) []ingest.Record {
	patient := msg.PatientID()
	var out []ingest.Record

	newRecord := func(seg *Segment, ordinal int, field int) (ingest.Record, bool) {
		code, display, system := seg.Component(field, 1), seg.Component(field, 2), seg.Component(field, 3)
		if code == "" && display == "" {
			return ingest.Record{}, false
		}
		setID := seg.Value(1)
		if setID == "" {
			setID = fmt.Sprint(ordinal)
		}
		return ingest.Record{
			SourceID:  fmt.Sprintf("hl7v2:%s:%s:%s", msg.ControlID, seg.Name, setID),
			PatientID: patient,
			System:    system,
			Code:      code,
			Display:   display,
		}, true
	}

	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Name {
		case "DG1":
			rec, ok := newRecord(seg, i, 3)
			if !ok {
				continue
			}
			rec.Domain = ontology.DomainCondition
			out = append(out, rec)

		case "OBX":
			rec, ok := newRecord(seg, i, 3)
			if !ok {
				continue
			}
			rec.Domain = ontology.DomainObservation
			switch strings.ToUpper(seg.Value(2)) {
			case "NM", "SN":
				rec.Domain = ontology.DomainMeasurement
			}
			rec.Value = seg.Component(5, 1)
			rec.Unit = seg.Component(6, 1)
			rec.SkipReason = retractedResult[strings.ToUpper(seg.Value(11))]
			out = append(out, rec)

		case "AL1":
			rec, ok := newRecord(seg, i, 3)
			if !ok {
				continue
			}
			rec.Domain = ontology.DomainObservation
			out = append(out, rec)

		case "PR1":
			rec, ok := newRecord(seg, i, 3)
			if !ok {
				continue
			}
			rec.Domain = ontology.DomainProcedure
			out = append(out, rec)
		}
	}
	return out
}

// Decode splits data into messages and extracts their records. A message that
// fails to parse is reported and the rest are still read.
func Decode(data []byte) ([]ingest.Record, []error) {
	var records []ingest.Record
	var errs []error
	for i, raw := range Split(data) {
		msg, err := Parse(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("message %d: %w", i+1, err))
			continue
		}
		records = append(records, Records(msg)...)
	}
	return records, errs
}
