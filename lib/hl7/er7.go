package hl7

import (
	"errors"
	"fmt"
	"strings"
)

// Default ER7 delimiters.
const (
	FieldSeparator        = '|'
	ComponentSeparator    = '^'
	RepetitionSeparator   = '~'
	EscapeCharacter       = '\\'
	SubcomponentSeparator = '&'
	encodingCharacters    = "^~\\&"
	segmentTerminator     = "\r"
)

// ErrNotER7 is returned when the input does not start with an MSH segment.
var ErrNotER7 = errors.New("not an HL7 v2 ER7 message: missing MSH segment")

// Segment is one line of an ER7 message. Fields holds the raw (escaped) field values, where
// Fields[0] is field 1. For MSH, field 1 is the field separator itself.
type Segment struct {
	Name   string
	Fields []string
}

// Field returns the raw value of field n (1-based), or an empty string if absent.
func (s Segment) Field(n int) string {
	if n < 1 || n > len(s.Fields) {
		return ""
	}
	return s.Fields[n-1]
}

// Repetitions splits field n into its repetitions.
func (s Segment) Repetitions(n int) []string {
	value := s.Field(n)
	if value == "" {
		return nil
	}
	return strings.Split(value, string(RepetitionSeparator))
}

// Component returns the unescaped component c (1-based) of the first repetition of field n.
func (s Segment) Component(n, c int) string {
	reps := s.Repetitions(n)
	if len(reps) == 0 {
		return ""
	}
	return Unescape(nth(strings.Split(reps[0], string(ComponentSeparator)), c))
}

// Message is a parsed ER7 message.
type Message struct {
	Segments []Segment
}

// ParseMessage parses an ER7 encoded message. Segments may be terminated by CR, LF or CRLF.
func ParseMessage(data string) (*Message, error) {
	data = strings.ReplaceAll(data, "\r\n", "\r")
	data = strings.ReplaceAll(data, "\n", "\r")
	lines := strings.Split(strings.Trim(data, "\r"), "\r")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "MSH") || len(lines[0]) < 8 {
		return nil, ErrNotER7
	}
	if lines[0][3] != FieldSeparator || lines[0][4:8] != encodingCharacters {
		return nil, fmt.Errorf("unsupported ER7 delimiters: %q", lines[0][3:8])
	}
	result := &Message{}
	for _, line := range lines {
		if line == "" {
			continue
		}
		parts := strings.Split(line, string(FieldSeparator))
		segment := Segment{Name: parts[0]}
		if segment.Name == "MSH" {
			segment.Fields = append([]string{string(FieldSeparator)}, parts[1:]...)
		} else {
			segment.Fields = parts[1:]
		}
		result.Segments = append(result.Segments, segment)
	}
	return result, nil
}

// Segment returns the first segment with the given name.
func (m Message) Segment(name string) (Segment, bool) {
	for _, segment := range m.Segments {
		if segment.Name == name {
			return segment, true
		}
	}
	return Segment{}, false
}

// Type returns the message code and trigger event from MSH-9 (e.g. RSP, K23).
func (m Message) Type() (string, string) {
	msh, _ := m.Segment("MSH")
	return msh.Component(9, 1), msh.Component(9, 2)
}

// ControlID returns MSH-10.
func (m Message) ControlID() string {
	msh, _ := m.Segment("MSH")
	return Unescape(msh.Field(10))
}

// Encode renders the message as ER7, segments terminated by a carriage return.
func (m Message) Encode() string {
	var b strings.Builder
	for _, segment := range m.Segments {
		b.WriteString(segment.Name)
		fields := segment.Fields
		if segment.Name == "MSH" && len(fields) > 0 {
			fields = fields[1:]
		}
		for _, field := range fields {
			b.WriteByte(FieldSeparator)
			b.WriteString(field)
		}
		b.WriteString(segmentTerminator)
	}
	return b.String()
}

// NewSegment builds a segment from already encoded field values. For MSH, the field separator (MSH-1)
// is added automatically, so fields starts at MSH-2.
func NewSegment(name string, fields ...string) Segment {
	if name == "MSH" {
		fields = append([]string{string(FieldSeparator)}, fields...)
	}
	return Segment{Name: name, Fields: fields}
}

// Components joins escaped component values with the component separator, trimming trailing empty components.
func Components(values ...string) string {
	return joinTrimmed(values, string(ComponentSeparator), Escape)
}

// Subcomponents joins escaped subcomponent values with the subcomponent separator.
func Subcomponents(values ...string) string {
	return joinTrimmed(values, string(SubcomponentSeparator), Escape)
}

func joinTrimmed(values []string, separator string, escape func(string) string) string {
	end := len(values)
	for end > 0 && values[end-1] == "" {
		end--
	}
	escaped := make([]string, end)
	for i := 0; i < end; i++ {
		escaped[i] = escape(values[i])
	}
	return strings.Join(escaped, separator)
}

// ComponentsRaw joins values with the component separator without escaping them; values are expected
// to be escaped with Escape or built with Subcomponents.
func ComponentsRaw(values ...string) string {
	return joinTrimmed(values, string(ComponentSeparator), func(s string) string { return s })
}

var escaper = strings.NewReplacer(
	`\`, `\E\`,
	`|`, `\F\`,
	`^`, `\S\`,
	`&`, `\T\`,
	`~`, `\R\`,
)

var unescaper = strings.NewReplacer(
	`\E\`, `\`,
	`\F\`, `|`,
	`\S\`, `^`,
	`\T\`, `&`,
	`\R\`, `~`,
)

// Escape escapes ER7 delimiters in a primitive value.
func Escape(value string) string {
	return escaper.Replace(value)
}

// Unescape reverses Escape.
func Unescape(value string) string {
	if !strings.ContainsRune(value, EscapeCharacter) {
		return value
	}
	return unescaper.Replace(value)
}

// ParseCXComponent reads an escaped CX field value (ID^^^namespace&universalID&type^typeCode) from a message.
func ParseCXComponent(value string) Identifier {
	components := strings.Split(value, string(ComponentSeparator))
	authority := strings.Split(nth(components, 4), string(SubcomponentSeparator))
	result := Identifier{Value: Unescape(nth(components, 1))}
	hd := AssigningAuthority{
		Name:   Unescape(nth(authority, 1)),
		ID:     Unescape(nth(authority, 2)),
		IDType: Unescape(nth(authority, 3)),
	}
	if !hd.IsEmpty() {
		result.Authority = &hd
	}
	result.TypeCode = Unescape(nth(components, 5))
	return result
}

// FormatCXComponent renders an identifier as an escaped CX field value with the given identifier type code.
func FormatCXComponent(id Identifier, typeCode string) string {
	authority := AssigningAuthority{}
	if id.Authority != nil {
		authority = *id.Authority
	}
	return ComponentsRaw(Escape(id.Value), "", "", Subcomponents(authority.Name, authority.ID, DefaultIDType), Escape(typeCode))
}

func nth(values []string, n int) string {
	if n < 1 || n > len(values) {
		return ""
	}
	return values[n-1]
}
