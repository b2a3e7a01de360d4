package attendance

import (
	"log"
	"strings"
)

// Status is the single internal attendance state. The two record
// families speak different wire vocabularies ("P"/"A" on the student
// record, "Present"/"Absent"/"Not Marked" on the session roster); both
// are decoded to this type at the store boundary and never leak inward.
type Status int

const (
	NotMarked Status = iota
	Present
	Absent
)

func (s Status) String() string {
	switch s {
	case Present:
		return "Present"
	case Absent:
		return "Absent"
	default:
		return "Not Marked"
	}
}

// MarkCode encodes for Students/{e}/Attendance/{sid}. The compact
// vocabulary has no neutral state: NotMarked encodes as "A".
func (s Status) MarkCode() string {
	if s == Present {
		return "P"
	}
	return "A"
}

// EntryLabel encodes for AttendanceReport/{sid}/Students/{e}.
func (s Status) EntryLabel() string {
	return s.String()
}

// ParseMarkCode decodes a student-record code. ok is false when the
// value is unrecognized, so callers can fall through to the roster side.
func ParseMarkCode(code string) (Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "P":
		return Present, true
	case "A":
		return Absent, true
	}
	return NotMarked, false
}

// ParseEntryLabel decodes a session-roster status.
func ParseEntryLabel(label string) Status {
	l := strings.TrimSpace(label)
	switch {
	case strings.EqualFold(l, "Present") || strings.EqualFold(l, "P"):
		return Present
	case strings.EqualFold(l, "Absent") || strings.EqualFold(l, "A"):
		return Absent
	}
	return NotMarked
}

var divisionCodes = map[string]string{
	"Div - 1": "A",
	"Div - 2": "B",
	"Div - 3": "C",
	"Div - 4": "D",
	"Div - 5": "E",
}

// DivisionCode converts a display name ("Div - 2") to the stored
// single-letter code ("B"). Unknown inputs pass through unchanged.
func DivisionCode(display string) string {
	d := strings.TrimSpace(display)
	if code, ok := divisionCodes[d]; ok {
		return code
	}
	for name, code := range divisionCodes {
		if strings.Contains(d, name) {
			return code
		}
	}
	if d != "" {
		log.Printf("unknown division format %q, using as-is", d)
	}
	return d
}

// DivisionDisplay converts a stored code back to its display name for
// user-facing messages. Group codes are already plain numbers and pass
// through unchanged.
func DivisionDisplay(code string) string {
	for name, c := range divisionCodes {
		if c == code {
			return name
		}
	}
	return code
}
