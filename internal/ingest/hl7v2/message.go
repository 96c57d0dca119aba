// Package hl7v2 reads HL7 v2.x messages and turns their coded clinical
// segments into ingest records.
package hl7v2

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// MLLP framing bytes.
const (
	startBlock = 0x0B
	endBlock   = 0x1C
	cr         = 0x0D
)

// Delimiters are the separators declared in MSH-1 and MSH-2.
type Delimiters struct {
	Field      byte
	Component  byte
	Repetition byte
	Escape     byte
	Sub        byte
}

var defaultDelimiters = Delimiters{Field: '|', Component: '^', Repetition: '~', Escape: '\\', Sub: '&'}

// Message is a parsed HL7 v2 message.
type Message struct {
	Type       string // MSH-9, e.g. "ORU^R01"
	ControlID  string // MSH-10
	Version    string // MSH-12
	Timestamp  time.Time
	SendingApp string
	Delims     Delimiters
	Segments   []Segment
}

// Segment is one line of a message. Fields are stored 1-based: Fields[0] is
// unused so Value(n) takes the HL7 field number directly. For MSH, field 1 is
// the field separator itself.
type Segment struct {
	Name   string
	Fields []Field
}

// Field holds the repetitions of one field, each split into components.
type Field struct {
	Raw     string
	Repeats [][]string
}

// Parse decodes one message. Segments may be separated by CR, LF or CRLF.
func Parse(raw []byte) (*Message, error) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}
	if !strings.HasPrefix(lines[0], "MSH") || len(lines[0]) < 8 {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	msg := &Message{Delims: delimitersFrom(lines[0])}
	for _, line := range lines {
		seg, err := parseSegment(line, msg.Delims)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msh := &msg.Segments[0]
	msg.SendingApp = msh.Component(3, 1)
	msg.Type = msh.Value(9)
	msg.ControlID = msh.Value(10)
	msg.Version = msh.Value(12)
	if ts, err := parseTimestamp(msh.Component(7, 1)); err == nil {
		msg.Timestamp = ts
	}
	return msg, nil
}

func delimitersFrom(msh string) Delimiters {
	d := defaultDelimiters
	d.Field = msh[3]
	enc := msh[4:]
	if i := strings.IndexByte(enc, d.Field); i >= 0 {
		enc = enc[:i]
	}
	for i, p := range []*byte{&d.Component, &d.Repetition, &d.Escape, &d.Sub} {
		if i < len(enc) {
			*p = enc[i]
		}
	}
	return d
}

func parseSegment(line string, d Delimiters) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}
	seg := Segment{Name: line[:3], Fields: []Field{{}}}
	rest := ""
	if len(line) > 4 {
		rest = line[4:]
	}

	if seg.Name == "MSH" {
		// MSH-1 is the separator and MSH-2 the encoding characters, which
		// must not be split on themselves.
		seg.Fields = append(seg.Fields, Field{Raw: string(d.Field), Repeats: [][]string{{string(d.Field)}}})
		enc, tail, _ := strings.Cut(rest, string(d.Field))
		seg.Fields = append(seg.Fields, Field{Raw: enc, Repeats: [][]string{{enc}}})
		rest = tail
	} else if len(line) > 3 && line[3] != d.Field {
		return Segment{}, fmt.Errorf("segment %q: expected field separator after name", seg.Name)
	}

	if rest == "" && seg.Name != "MSH" && len(line) <= 4 {
		return seg, nil
	}
	for _, raw := range strings.Split(rest, string(d.Field)) {
		seg.Fields = append(seg.Fields, parseField(raw, d))
	}
	return seg, nil
}

func parseField(raw string, d Delimiters) Field {
	f := Field{Raw: raw}
	for _, rep := range strings.Split(raw, string(d.Repetition)) {
		f.Repeats = append(f.Repeats, strings.Split(rep, string(d.Component)))
	}
	return f
}

// Value returns field n as written, or "" when absent.
func (s *Segment) Value(n int) string {
	if n <= 0 || n >= len(s.Fields) {
		return ""
	}
	return s.Fields[n].Raw
}

// Component returns component c of the first repetition of field n, both
// 1-based.
func (s *Segment) Component(n, c int) string {
	if n <= 0 || n >= len(s.Fields) || len(s.Fields[n].Repeats) == 0 {
		return ""
	}
	comps := s.Fields[n].Repeats[0]
	if c <= 0 || c > len(comps) {
		return ""
	}
	return comps[c-1]
}

// SegmentsNamed returns every segment with the given name, in message order.
func (m *Message) SegmentsNamed(name string) []*Segment {
	var out []*Segment
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			out = append(out, &m.Segments[i])
		}
	}
	return out
}

// PatientID returns PID-3.1, the first patient identifier.
func (m *Message) PatientID() string {
	pids := m.SegmentsNamed("PID")
	if len(pids) == 0 {
		return ""
	}
	return pids[0].Component(3, 1)
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "+-"); i >= 0 {
		s = s[:i]
	}
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	}
	return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp %q", s)
}

// Split separates a byte stream into messages. MLLP-framed input is unframed;
// otherwise every segment line starting with MSH opens a new message.
func Split(data []byte) [][]byte {
	if bytes.IndexByte(data, startBlock) >= 0 {
		var out [][]byte
		for {
			msg, rest, ok := unframe(data)
			if !ok {
				return out
			}
			out = append(out, msg)
			data = rest
		}
	}

	var out [][]byte
	var cur []byte
	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\r"))
	normalized = bytes.ReplaceAll(normalized, []byte("\n"), []byte("\r"))
	for _, line := range bytes.Split(normalized, []byte{cr}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if bytes.HasPrefix(line, []byte("MSH")) && len(cur) > 0 {
			out = append(out, cur)
			cur = nil
		}
		cur = append(append(cur, line...), cr)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func unframe(data []byte) (msg, rest []byte, ok bool) {
	start := bytes.IndexByte(data, startBlock)
	if start < 0 {
		return nil, data, false
	}
	end := bytes.Index(data[start+1:], []byte{endBlock, cr})
	if end < 0 {
		return nil, data, false
	}
	end += start + 1
	return data[start+1 : end], data[end+2:], true
}
