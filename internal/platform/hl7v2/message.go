package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

const (
	// FieldSeparator separates fields within a segment line.
	FieldSeparator = "|"

	// ComponentSeparator packs composite values inside a single field.
	ComponentSeparator = "^"

	// RepetitionSeparator separates repeated values of a field.
	RepetitionSeparator = "~"
)

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "ORU^R01")
	ControlID    string    // MSH-10
	Version      string    // MSH-12 (e.g. "2.5.1")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Segments     []Segment
}

// Segment represents a single HL7v2 segment line.
type Segment struct {
	Name   string  // e.g. "MSH", "PID", "OBX"
	Fields []Field // Fields[0] is the text after the first pipe
}

// Field represents a field which can have components and repetitions.
// No escape sequences are decoded.
type Field struct {
	Value      string
	Components []string   // Component-separated (^)
	Repeats    [][]string // Repetition-separated (~), each with components
}

// Parse tokenizes raw HL7v2 text into segments. It never fails: blank lines
// and lines with fewer than two pipe-delimited fields are skipped. \r\n, \r
// and \n are all accepted as segment terminators.
//
// Fields are numbered the same way for every segment, including MSH: the
// tag is field 0 and GetField(n) returns the text after the n-th pipe. For
// MSH this means GetField(n) is MSH-(n+1), because MSH-1 is the pipe itself.
func Parse(raw []byte) *Message {
	msg := &Message{}
	if len(raw) == 0 {
		return msg
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		seg, ok := parseSegment(line)
		if !ok {
			continue
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msg.extractMSHFields()
	return msg
}

// parseSegment splits a single line on the field separator. It reports false
// when the line has fewer than two fields.
func parseSegment(line string) (Segment, bool) {
	parts := strings.Split(line, FieldSeparator)
	if len(parts) < 2 {
		return Segment{}, false
	}

	seg := Segment{
		Name:   strings.TrimSpace(parts[0]),
		Fields: make([]Field, 0, len(parts)-1),
	}
	for _, p := range parts[1:] {
		seg.Fields = append(seg.Fields, parseField(p))
	}
	return seg, true
}

// parseField parses a single field, handling components (^) and repetitions (~).
func parseField(raw string) Field {
	f := Field{
		Value: raw,
	}

	for _, rep := range strings.Split(raw, RepetitionSeparator) {
		f.Repeats = append(f.Repeats, strings.Split(rep, ComponentSeparator))
	}
	f.Components = f.Repeats[0]

	return f
}

// extractMSHFields copies commonly used MSH fields into the Message struct.
// A message without an MSH segment keeps zero header values.
func (m *Message) extractMSHFields() {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return
	}

	// GetField(n) on MSH is MSH-(n+1).
	m.SendingApp = msh.GetField(2)
	m.SendingFac = msh.GetField(3)
	m.ReceivingApp = msh.GetField(4)
	m.ReceivingFac = msh.GetField(5)

	if ts := msh.GetField(6); ts != "" {
		if t, err := parseHL7Timestamp(ts); err == nil {
			m.Timestamp = t
		}
	}

	m.Type = msh.GetField(8)
	m.ControlID = msh.GetField(9)
	m.Version = msh.GetField(11)
}

// parseHL7Timestamp parses an HL7v2 timestamp string (YYYYMMDDHHmmss or YYYYMMDD).
func parseHL7Timestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// GetField returns the raw value of a field by 1-based index.
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component value by 1-based field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	field := &s.Fields[idx]

	ci := compIdx - 1
	if ci < 0 || ci >= len(field.Components) {
		return ""
	}
	return field.Components[ci]
}

// lastSegment returns the last segment with the given name, or nil.
func (m *Message) lastSegment(name string) *Segment {
	for i := len(m.Segments) - 1; i >= 0; i-- {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// PatientID returns PID-3.1. When PID repeats, the last one wins.
func (m *Message) PatientID() string {
	pid := m.lastSegment("PID")
	if pid == nil {
		return ""
	}
	return strings.TrimSpace(pid.GetComponent(3, 1))
}

// PatientName returns the family and given name from PID-5 (family^given).
func (m *Message) PatientName() (family, given string) {
	pid := m.lastSegment("PID")
	if pid == nil {
		return "", ""
	}
	return pid.GetComponent(5, 1), pid.GetComponent(5, 2)
}

// DateOfBirth returns PID-7 (date of birth).
func (m *Message) DateOfBirth() string {
	pid := m.lastSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetField(7)
}

// Gender returns PID-8 (administrative sex).
func (m *Message) Gender() string {
	pid := m.lastSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetField(8)
}

// SerializeMessage converts a Message back into raw HL7v2 bytes with \r
// segment separators.
func SerializeMessage(msg *Message) []byte {
	lines := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		parts := make([]string, 0, len(seg.Fields)+1)
		parts = append(parts, seg.Name)
		for _, f := range seg.Fields {
			parts = append(parts, f.Value)
		}
		lines = append(lines, strings.Join(parts, FieldSeparator))
	}
	return []byte(strings.Join(lines, "\r"))
}

// IsSegmentTag reports whether line starts with one of the given segment
// tags followed by the field separator.
func IsSegmentTag(line string, tags []string) bool {
	line = strings.TrimSpace(line)
	for _, tag := range tags {
		if strings.HasPrefix(line, tag+FieldSeparator) {
			return true
		}
	}
	return false
}
