package attendance

import "time"

// Session statuses as stored in session_status.
const (
	SessionActive  = "active"
	SessionEnded   = "ended"
	SessionExpired = "expired"
)

// Session is one attendance window for a (division, group, subject).
// Division and Group hold stored codes, never display names.
type Session struct {
	ID                  string  `json:"session_id"`
	Branch              string  `json:"branch"`
	Division            string  `json:"division"`
	Group               string  `json:"group"`
	Subject             string  `json:"subject"`
	PeriodDate          string  `json:"period_date"`
	StartTime           string  `json:"start_time"`
	EndTime             string  `json:"end_time"`
	Timestamp           int64   `json:"timestamp"`
	StartTimeMillis     int64   `json:"start_time_millis"`
	EndTimestamp        int64   `json:"end_timestamp"`
	Status              string  `json:"session_status"`
	RequiredSSID        string  `json:"required_ssid,omitempty"`
	AllowUniversityWiFi bool    `json:"allow_university_wifi"`
}

// Student is the profile slice this core reads. Enrollment is the
// primary key; HardwareID is the device-binding token set at first
// login.
type Student struct {
	Enrollment string `json:"enrollment"`
	Name       string `json:"name"`
	Email      string `json:"student_email"`
	Division   string `json:"division"`
	Group      string `json:"group"`
	HardwareID string `json:"-"`
}

// RosterEntry is one student's row inside a session roster, with the
// raw wire status ("Not Marked" | "Present" | "Absent").
type RosterEntry struct {
	Enrollment string
	RawStatus  string
}

// MarkEvent is the audit row appended for every accepted mark.
type MarkEvent struct {
	ID         string
	SessionID  string
	Enrollment string
	SSID       string
	When       time.Time
}
