package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository persists the two attendance record families in Postgres.
// Tables mirror the document paths the clients read:
//
//	students                 Students/{enrollment}
//	student_marks            Students/{enrollment}/Attendance/{sessionId}
//	sessions                 AttendanceReport/{sessionId}
//	session_students         AttendanceReport/{sessionId}/Students/{enrollment}
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetStudent returns a student by enrollment, nil when absent.
func (r *Repository) GetStudent(ctx context.Context, enrollment string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT enrollment, COALESCE(name,''), COALESCE(student_email,''),
		       COALESCE(division,''), COALESCE(student_group,''), COALESCE(hardware_id,'')
		FROM students WHERE enrollment = $1
	`, enrollment)
	var s Student
	if err := row.Scan(&s.Enrollment, &s.Name, &s.Email, &s.Division, &s.Group, &s.HardwareID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// StudentsByDivision returns every student whose stored division code
// matches. Session creation fans out over this set.
func (r *Repository) StudentsByDivision(ctx context.Context, division string) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT enrollment, COALESCE(name,''), COALESCE(student_email,''),
		       COALESCE(division,''), COALESCE(student_group,''), COALESCE(hardware_id,'')
		FROM students WHERE division = $1 ORDER BY enrollment
	`, division)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.Enrollment, &s.Name, &s.Email, &s.Division, &s.Group, &s.HardwareID); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// BindHardwareID stores the device token on first student login.
func (r *Repository) BindHardwareID(ctx context.Context, enrollment, hardwareID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE students SET hardware_id = $2 WHERE enrollment = $1
	`, enrollment, hardwareID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, subject, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (subject, token, expires_at)
		VALUES ($1, $2, $3)
	`, subject, token, expiresAt)
	return err
}

// RefreshTokenValid reports whether the token is stored for the
// subject, unrevoked, and unexpired.
func (r *Repository) RefreshTokenValid(ctx context.Context, subject, token string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM refresh_tokens
		WHERE subject = $1 AND token = $2 AND NOT revoked AND expires_at > NOW()
	`, subject, token)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RevokeRefreshToken marks a token revoked. Rotation revokes the spent
// token before issuing its replacement.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}

// CreateSession inserts a session document if no session with the same
// id exists yet. Returns false on an id collision so the caller can bump
// the timestamp and retry; the uniqueness decision happens inside the
// store, not via a separate read.
func (r *Repository) CreateSession(ctx context.Context, s Session) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, branch, division, student_group, subject,
			period_date, start_time, end_time, ts, start_time_millis, end_timestamp,
			session_status, required_ssid, allow_university_wifi)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (session_id) DO NOTHING
	`, s.ID, s.Branch, s.Division, s.Group, s.Subject,
		s.PeriodDate, s.StartTime, s.EndTime, s.Timestamp, s.StartTimeMillis, s.EndTimestamp,
		s.Status, nullable(s.RequiredSSID), s.AllowUniversityWiFi)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetSession returns a session document, nil when absent.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT session_id, branch, division, student_group, subject,
		       period_date, start_time, end_time, ts, start_time_millis, end_timestamp,
		       session_status, COALESCE(required_ssid,''), allow_university_wifi
		FROM sessions WHERE session_id = $1
	`, sessionID)
	var s Session
	if err := row.Scan(&s.ID, &s.Branch, &s.Division, &s.Group, &s.Subject,
		&s.PeriodDate, &s.StartTime, &s.EndTime, &s.Timestamp, &s.StartTimeMillis, &s.EndTimestamp,
		&s.Status, &s.RequiredSSID, &s.AllowUniversityWiFi); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ActiveSession returns the newest active session for a division/group,
// nil when none exists. Callers still apply the expiry check; "active"
// here is only the stored flag.
func (r *Repository) ActiveSession(ctx context.Context, division, group string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT session_id, branch, division, student_group, subject,
		       period_date, start_time, end_time, ts, start_time_millis, end_timestamp,
		       session_status, COALESCE(required_ssid,''), allow_university_wifi
		FROM sessions
		WHERE division = $1 AND student_group = $2 AND session_status = 'active'
		ORDER BY ts DESC
		LIMIT 1
	`, division, group)
	var s Session
	if err := row.Scan(&s.ID, &s.Branch, &s.Division, &s.Group, &s.Subject,
		&s.PeriodDate, &s.StartTime, &s.EndTime, &s.Timestamp, &s.StartTimeMillis, &s.EndTimestamp,
		&s.Status, &s.RequiredSSID, &s.AllowUniversityWiFi); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// EndSession flips an active session to ended and records the actual
// end instant. Ending a session that is already terminal is a no-op.
func (r *Repository) EndSession(ctx context.Context, sessionID string, endedAt int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET session_status = 'ended', end_timestamp = $2
		WHERE session_id = $1 AND session_status = 'active'
	`, sessionID, endedAt)
	return err
}

// MarkSessionExpired lazily flips an active session to expired. The
// transition is one-directional, so concurrent writers are idempotent.
func (r *Repository) MarkSessionExpired(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET session_status = 'expired'
		WHERE session_id = $1 AND session_status = 'active'
	`, sessionID)
	return err
}

// ExpireOverdueSessions flips every active session past its hard cutoff
// (end_timestamp + grace) in one statement. Used by the worker sweep.
func (r *Repository) ExpireOverdueSessions(ctx context.Context, nowMillis, graceMillis int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET session_status = 'expired'
		WHERE session_status = 'active' AND end_timestamp + $2 < $1
	`, nowMillis, graceMillis)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateSessionNetwork applies the faculty network constraint
// mid-session. An empty ssid clears the pin.
func (r *Repository) UpdateSessionNetwork(ctx context.Context, sessionID, requiredSSID string, allowUniversityWiFi bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET required_ssid = $2, allow_university_wifi = $3
		WHERE session_id = $1
	`, sessionID, nullable(requiredSSID), allowUniversityWiFi)
	return err
}

// InitSessionStudent seeds the two families for one student at session
// creation: "Not Marked" on the roster side and default "A" on the
// student side. The two inserts are independent on purpose; a partial
// failure is recovered at read time by the reconciler's defaulting.
func (r *Repository) InitSessionStudent(ctx context.Context, sessionID, enrollment string) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO session_students (session_id, enrollment, attendance_status)
		VALUES ($1, $2, 'Not Marked')
		ON CONFLICT (session_id, enrollment) DO NOTHING
	`, sessionID, enrollment); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO student_marks (enrollment, session_id, code)
		VALUES ($1, $2, 'A')
		ON CONFLICT (enrollment, session_id) DO NOTHING
	`, enrollment, sessionID)
	return err
}

// SetStudentMark writes the student-owned record. Last write wins.
func (r *Repository) SetStudentMark(ctx context.Context, enrollment, sessionID, code string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO student_marks (enrollment, session_id, code)
		VALUES ($1, $2, $3)
		ON CONFLICT (enrollment, session_id) DO UPDATE SET code = EXCLUDED.code
	`, enrollment, sessionID, code)
	return err
}

// StudentMark reads the raw code for one (student, session) pair.
// Empty string when no record exists.
func (r *Repository) StudentMark(ctx context.Context, enrollment, sessionID string) (string, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT code FROM student_marks WHERE enrollment = $1 AND session_id = $2
	`, enrollment, sessionID)
	var code string
	if err := row.Scan(&code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return code, nil
}

// StudentMarks returns every session id the student has a record for,
// with its raw code.
func (r *Repository) StudentMarks(ctx context.Context, enrollment string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, code FROM student_marks WHERE enrollment = $1
	`, enrollment)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[string]string)
	for rows.Next() {
		var sid, code string
		if err := rows.Scan(&sid, &code); err != nil {
			return nil, err
		}
		res[sid] = code
	}
	return res, rows.Err()
}

// SetSessionEntry writes the roster-side record.
func (r *Repository) SetSessionEntry(ctx context.Context, sessionID, enrollment, status string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_students (session_id, enrollment, attendance_status)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, enrollment) DO UPDATE SET attendance_status = EXCLUDED.attendance_status
	`, sessionID, enrollment, status)
	return err
}

// SessionHasStudent reports whether the fan-out registered this student.
func (r *Repository) SessionHasStudent(ctx context.Context, sessionID, enrollment string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM session_students WHERE session_id = $1 AND enrollment = $2
	`, sessionID, enrollment)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SessionRoster returns every roster entry for a session with its raw
// wire status. This set, not the student table, is authoritative for
// "how many students were in this session".
func (r *Repository) SessionRoster(ctx context.Context, sessionID string) ([]RosterEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT enrollment, attendance_status FROM session_students
		WHERE session_id = $1 ORDER BY enrollment
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RosterEntry
	for rows.Next() {
		var e RosterEntry
		if err := rows.Scan(&e.Enrollment, &e.RawStatus); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// SessionSubject returns a session's subject field, "" for missing or
// partially-written sessions. Aggregate percentages exclude those.
func (r *Repository) SessionSubject(ctx context.Context, sessionID string) (string, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(subject,'') FROM sessions WHERE session_id = $1
	`, sessionID)
	var subject string
	if err := row.Scan(&subject); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return subject, nil
}

// InsertMarkEvent appends an audit row for an accepted mark.
func (r *Repository) InsertMarkEvent(ctx context.Context, evt MarkEvent) (MarkEvent, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.When.IsZero() {
		evt.When = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mark_events (id, session_id, enrollment, ssid, occurred_at)
		VALUES ($1,$2,$3,$4,$5)
	`, evt.ID, evt.SessionID, evt.Enrollment, evt.SSID, evt.When)
	if err != nil {
		return MarkEvent{}, err
	}
	return evt, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
