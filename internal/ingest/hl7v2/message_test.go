package hl7v2

import (
	"strings"
	"testing"

	"github.com/ehr/normalizer/internal/domain/ontology"
)

const sampleORU = "MSH|^~\\&|LabSystem|LabFac|EHR|EHRFac|20240115150000||ORU^R01|MSG00002|P|2.5.1\r" +
	"PID|1||MRN12345^^^MRNAuth||Doe^John||19800515|M\r" +
	"OBR|1|ORD001|LAB001|85025^CBC^LN|||20240115140000\r" +
	"OBX|1|NM|4548-4^Hemoglobin A1c^LN||7.2|%^percent|4.0-5.6|H|||F\r" +
	"OBX|2|NM|718-7^Hemoglobin^LN||13.5|g/dL|12.0-17.5|N|||W"

const sampleADT = "MSH|^~\\&|ADT|Hosp|EHR|EHRFac|20240115143025||ADT^A08|MSG00001|P|2.5.1\n" +
	"PID|1||MRN12345^^^MRNAuth||Doe^John^A||19800515|M\n" +
	"DG1|1|I10|E11.9^Type 2 diabetes mellitus without complications^I10||20240110|F\n" +
	"DG1|2||^Chest pain\n" +
	"AL1|1|DA|1191^Aspirin^RXNORM|SV|Hives\n" +
	"PR1|1||73761001^Colonoscopy^SCT||20231201\n" +
	"DG1|3|I10"

func TestParse_Header(t *testing.T) {
	msg, err := Parse([]byte(sampleORU))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Type != "ORU^R01" {
		t.Errorf("expected Type 'ORU^R01', got %q", msg.Type)
	}
	if msg.ControlID != "MSG00002" {
		t.Errorf("expected ControlID 'MSG00002', got %q", msg.ControlID)
	}
	if msg.Version != "2.5.1" {
		t.Errorf("expected Version '2.5.1', got %q", msg.Version)
	}
	if msg.SendingApp != "LabSystem" {
		t.Errorf("expected SendingApp 'LabSystem', got %q", msg.SendingApp)
	}
	if msg.Timestamp.Year() != 2024 || msg.Timestamp.Hour() != 15 {
		t.Errorf("unexpected timestamp: %v", msg.Timestamp)
	}
	if msg.PatientID() != "MRN12345" {
		t.Errorf("expected PatientID 'MRN12345', got %q", msg.PatientID())
	}
	if got := len(msg.SegmentsNamed("OBX")); got != 2 {
		t.Errorf("expected 2 OBX segments, got %d", got)
	}
}

func TestParse_MSHFieldNumbering(t *testing.T) {
	msg, err := Parse([]byte(sampleORU))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msh := msg.Segments[0]
	if msh.Value(1) != "|" {
		t.Errorf("expected MSH-1 '|', got %q", msh.Value(1))
	}
	if msh.Value(2) != "^~\\&" {
		t.Errorf("expected MSH-2 encoding characters, got %q", msh.Value(2))
	}
	if msh.Component(9, 2) != "R01" {
		t.Errorf("expected MSH-9.2 'R01', got %q", msh.Component(9, 2))
	}
}

func TestParse_CustomDelimiters(t *testing.T) {
	raw := "MSH#*~\\&#App#Fac#R#RF#20240101##ADT*A01#C1#P#2.3\rPID#1##ID9*X"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Delims.Field != '#' || msg.Delims.Component != '*' {
		t.Errorf("unexpected delimiters: %+v", msg.Delims)
	}
	if msg.PatientID() != "ID9" {
		t.Errorf("expected PatientID 'ID9', got %q", msg.PatientID())
	}
}

func TestParse_Errors(t *testing.T) {
	for _, raw := range []string{"", "\r\n", "PID|1||X", "MSH|"} {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestSegment_OutOfRange(t *testing.T) {
	msg, err := Parse([]byte(sampleORU))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pid := msg.SegmentsNamed("PID")[0]
	if pid.Value(0) != "" || pid.Value(99) != "" {
		t.Error("expected empty values outside the field range")
	}
	if pid.Component(3, 0) != "" || pid.Component(3, 9) != "" {
		t.Error("expected empty components outside the component range")
	}
}

func TestRecords_ORU(t *testing.T) {
	msg, err := Parse([]byte(sampleORU))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recs := Records(msg)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}

	a1c := recs[0]
	if a1c.SourceID != "hl7v2:MSG00002:OBX:1" {
		t.Errorf("unexpected source id %q", a1c.SourceID)
	}
	if a1c.PatientID != "MRN12345" || a1c.Code != "4548-4" || a1c.System != "LN" {
		t.Errorf("unexpected coding: %+v", a1c)
	}
	if a1c.Domain != ontology.DomainMeasurement {
		t.Errorf("expected measurement, got %q", a1c.Domain)
	}
	if a1c.Value != "7.2" || a1c.Unit != "%" {
		t.Errorf("expected 7.2 %%, got %q %q", a1c.Value, a1c.Unit)
	}
	if a1c.SkipReason != "" {
		t.Errorf("final result must not be skipped, got %q", a1c.SkipReason)
	}
	if recs[1].SkipReason == "" {
		t.Error("expected the W status result to be skipped")
	}
}

func TestRecords_ADT(t *testing.T) {
	msg, err := Parse([]byte(sampleADT))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recs := Records(msg)
	if len(recs) != 4 {
		t.Fatalf("expected 4 records, got %d", len(recs))
	}

	want := []struct {
		code, display string
		domain        ontology.Domain
	}{
		{"E11.9", "Type 2 diabetes mellitus without complications", ontology.DomainCondition},
		{"", "Chest pain", ontology.DomainCondition},
		{"1191", "Aspirin", ontology.DomainObservation},
		{"73761001", "Colonoscopy", ontology.DomainProcedure},
	}
	for i, w := range want {
		if recs[i].Code != w.code || recs[i].Display != w.display || recs[i].Domain != w.domain {
			t.Errorf("record %d: expected %s/%q/%s, got %+v", i, w.code, w.display, w.domain, recs[i])
		}
	}
	if !strings.HasSuffix(recs[2].SourceID, ":AL1:1") {
		t.Errorf("unexpected source id %q", recs[2].SourceID)
	}
}

func TestSplit_LineDelimited(t *testing.T) {
	data := sampleORU + "\n" + sampleADT + "\n"
	msgs := Split([]byte(data))
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	second, err := Parse(msgs[1])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ControlID != "MSG00001" {
		t.Errorf("expected second message MSG00001, got %q", second.ControlID)
	}
}

func TestSplit_MLLP(t *testing.T) {
	frame := func(s string) string { return "\x0b" + s + "\x1c\r" }
	msgs := Split([]byte(frame(sampleORU) + frame(sampleADT) + "\x0bpartial"))
	if len(msgs) != 2 {
		t.Fatalf("expected 2 framed messages, got %d", len(msgs))
	}
	if string(msgs[0]) != sampleORU {
		t.Errorf("unexpected first message %q", msgs[0])
	}
}

func TestDecode_ContinuesPastBadMessages(t *testing.T) {
	frame := func(s string) string { return "\x0b" + s + "\x1c\r" }
	recs, errs := Decode([]byte(frame("PID|1||X") + frame(sampleADT)))
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}
	if len(recs) != 4 {
		t.Errorf("expected 4 records, got %d", len(recs))
	}
}
