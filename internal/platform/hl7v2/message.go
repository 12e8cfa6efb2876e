package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Delimiters holds the separator characters declared by an MSH segment.
// MSH-1 is the field separator itself; MSH-2 lists component, repetition,
// escape and subcomponent characters in that order.
type Delimiters struct {
	Field      string
	Component  string
	Repetition string
}

// DefaultDelimiters returns the conventional HL7v2 separators (| ^ ~).
func DefaultDelimiters() Delimiters {
	return Delimiters{Field: "|", Component: "^", Repetition: "~"}
}

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "ORU^R01")
	ControlID    string    // MSH-10
	ProcessingID string    // MSH-11 (P/T/D)
	Version      string    // MSH-12 (e.g. "2.5.1")
	CharacterSet string    // MSH-18
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Delims       Delimiters
	Segments     []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Fields []Field
}

// Field represents a field which can have components and repetitions.
type Field struct {
	Value      string
	Components []string   // component-separated (MSH-2 first char, typically ^)
	Repeats    [][]string // repetition-separated (typically ~), each with components
}

// Parse parses raw HL7v2 bytes into a structured Message. Segment separators
// \r, \n and \r\n are all accepted. The field and component separators are
// taken from the MSH segment itself rather than assumed, so messages using
// non-standard delimiters still parse.
//
// A missing or malformed MSH segment is the only unrecoverable condition.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var segmentLines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			segmentLines = append(segmentLines, line)
		}
	}

	if len(segmentLines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}
	if !strings.HasPrefix(segmentLines[0], "MSH") {
		head := segmentLines[0]
		if len(head) > 3 {
			head = head[:3]
		}
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", head)
	}

	msg := &Message{Delims: delimitersFrom(segmentLines[0])}

	for _, line := range segmentLines {
		msg.Segments = append(msg.Segments, parseSegment(line, msg.Delims))
	}

	if err := msg.extractMSHFields(); err != nil {
		return nil, err
	}

	return msg, nil
}

// delimitersFrom derives the separator set from a raw MSH line. Position 3
// (the byte right after "MSH") is the field separator; the run of characters
// up to the next field separator is MSH-2, whose first and second characters
// are the component and repetition separators.
func delimitersFrom(mshLine string) Delimiters {
	d := DefaultDelimiters()
	if len(mshLine) < 4 {
		return d
	}
	d.Field = string(mshLine[3])

	encoding := mshLine[4:]
	if cut := strings.Index(encoding, d.Field); cut >= 0 {
		encoding = encoding[:cut]
	}
	if len(encoding) > 0 {
		d.Component = string(encoding[0])
	}
	if len(encoding) > 1 {
		d.Repetition = string(encoding[1])
	}
	return d
}

// parseSegment parses a single segment line into a Segment.
//
// MSH is special: the field separator character is MSH-1 itself, so
// Fields[0] holds the separator and Fields[1] the encoding characters,
// keeping the Fields index aligned at MSH-(i+1).
func parseSegment(line string, d Delimiters) Segment {
	seg := Segment{}

	if strings.HasPrefix(line, "MSH") {
		seg.Name = "MSH"
		if len(line) < 4 {
			return seg
		}
		seg.Fields = append(seg.Fields, Field{Value: d.Field, Components: []string{d.Field}})
		for _, part := range strings.Split(line[4:], d.Field) {
			seg.Fields = append(seg.Fields, parseField(part, d))
		}
		return seg
	}

	parts := strings.SplitN(line, d.Field, 2)
	seg.Name = parts[0]
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], d.Field) {
			seg.Fields = append(seg.Fields, parseField(f, d))
		}
	}
	return seg
}

// parseField splits a raw field into repetitions and components.
func parseField(raw string, d Delimiters) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, d.Repetition) {
		f.Repeats = append(f.Repeats, strings.Split(rep, d.Component))
	}
	f.Components = f.Repeats[0]
	return f
}

// extractMSHFields copies routing and identity fields off the MSH segment.
func (m *Message) extractMSHFields() error {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return fmt.Errorf("hl7v2: MSH segment not found")
	}

	m.SendingApp = msh.GetField(3)
	m.SendingFac = msh.GetField(4)
	m.ReceivingApp = msh.GetField(5)
	m.ReceivingFac = msh.GetField(6)
	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.ProcessingID = msh.GetField(11)
	m.Version = msh.GetField(12)
	m.CharacterSet = msh.GetField(18)

	if ts := msh.GetField(7); ts != "" {
		if t, err := ParseTimestamp(ts); err == nil {
			m.Timestamp = t
		}
	}

	return nil
}

// ParseTimestamp parses an HL7v2 timestamp, trying YYYYMMDDHHMMSS,
// YYYYMMDDHHMM and YYYYMMDD in that order. Longer inputs (fractional
// seconds, timezone offsets) are truncated to the matched precision.
func ParseTimestamp(s string) (time.Time, error) {
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

// GetSegment returns the first segment with the given name, or nil.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name, in document order.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// GetField returns the value of a field by its 1-based HL7 index. For MSH,
// Fields[0] is MSH-1 (the separator); for all other segments Fields[0] is
// field 1, so the same offset applies.
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component by 1-based field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	ci := compIdx - 1
	if ci < 0 || ci >= len(s.Fields[idx].Components) {
		return ""
	}
	return s.Fields[idx].Components[ci]
}
