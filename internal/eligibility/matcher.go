// Package eligibility answers "can this student mark attendance in this
// session right now?". Every check is an advisory read: a verdict can go
// stale between check and mark, so callers re-validate instead of
// caching it beyond a single user action.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"classattend/internal/attendance"
	"classattend/internal/session"
)

// Rejection reasons, surfaced verbatim in UI copy.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("this attendance session has ended or expired, you can no longer mark attendance")
	ErrMismatch        = errors.New("you are not authorized to mark attendance for this session")
	ErrNotRegistered   = errors.New("you are not registered for the current session, please contact your faculty")
	ErrAlreadyMarked   = errors.New("you have already marked your attendance for this session")
	ErrStudentNotFound = errors.New("student record not found")
)

// MismatchError carries the division/group detail for the user-facing
// message, with codes converted back to display names.
type MismatchError struct {
	SessionDivision, SessionGroup string
	StudentDivision, StudentGroup string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%v: this session is for Division %s Group %s, but you belong to Division %s Group %s",
		ErrMismatch,
		attendance.DivisionDisplay(e.SessionDivision), e.SessionGroup,
		attendance.DivisionDisplay(e.StudentDivision), e.StudentGroup)
}

func (e *MismatchError) Unwrap() error { return ErrMismatch }

// Store is the slice of the attendance repository the matcher reads.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*attendance.Session, error)
	ActiveSession(ctx context.Context, division, group string) (*attendance.Session, error)
	GetStudent(ctx context.Context, enrollment string) (*attendance.Student, error)
	SessionHasStudent(ctx context.Context, sessionID, enrollment string) (bool, error)
	StudentMark(ctx context.Context, enrollment, sessionID string) (string, error)
}

// Lifecycle is the expiry surface the matcher leans on.
type Lifecycle interface {
	IsExpired(sess *attendance.Session, now time.Time) bool
	LazyExpire(ctx context.Context, sess *attendance.Session)
}

// Matcher runs the five-check chain.
type Matcher struct {
	store     Store
	lifecycle Lifecycle
	now       func() time.Time
}

// New creates a matcher. now is injectable for tests; nil means time.Now.
func New(store Store, lifecycle Lifecycle, now func() time.Time) *Matcher {
	if now == nil {
		now = time.Now
	}
	return &Matcher{store: store, lifecycle: lifecycle, now: now}
}

// Check returns the session when the student may mark attendance in it
// right now, or one of the rejection errors. The registration-map check
// runs even when division/group matched: it defends against the
// creation fan-out having missed this student.
func (m *Matcher) Check(ctx context.Context, enrollment, sessionID string) (*attendance.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}

	if m.lifecycle.IsExpired(sess, m.now()) {
		m.lifecycle.LazyExpire(ctx, sess)
		return nil, ErrSessionClosed
	}

	student, err := m.store.GetStudent(ctx, enrollment)
	if err != nil {
		return nil, err
	}
	if student == nil {
		return nil, ErrStudentNotFound
	}
	if student.Division != sess.Division || student.Group != sess.Group {
		return nil, &MismatchError{
			SessionDivision: sess.Division, SessionGroup: sess.Group,
			StudentDivision: student.Division, StudentGroup: student.Group,
		}
	}

	registered, err := m.store.SessionHasStudent(ctx, sessionID, enrollment)
	if err != nil {
		return nil, err
	}
	if !registered {
		return nil, ErrNotRegistered
	}

	code, err := m.store.StudentMark(ctx, enrollment, sessionID)
	if err != nil {
		return nil, err
	}
	if st, ok := attendance.ParseMarkCode(code); ok && st == attendance.Present {
		return nil, ErrAlreadyMarked
	}

	return sess, nil
}

// FindCurrent resolves the student's markable session by scanning for an
// active session matching their division/group, applying the lazy expiry
// flip on anything observed past its cutoff.
func (m *Matcher) FindCurrent(ctx context.Context, enrollment string) (*attendance.Session, error) {
	student, err := m.store.GetStudent(ctx, enrollment)
	if err != nil {
		return nil, err
	}
	if student == nil {
		return nil, ErrStudentNotFound
	}

	sess, err := m.activeFor(ctx, student.Division, student.Group)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (m *Matcher) activeFor(ctx context.Context, division, group string) (*attendance.Session, error) {
	sess, err := m.store.ActiveSession(ctx, division, group)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	if m.lifecycle.IsExpired(sess, m.now()) {
		m.lifecycle.LazyExpire(ctx, sess)
		return nil, nil
	}
	return sess, nil
}

// IsConflict reports whether an error is one of the non-retryable
// state-conflict rejections (as opposed to not-found or transient).
func IsConflict(err error) bool {
	return errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrMismatch) ||
		errors.Is(err, ErrNotRegistered) ||
		errors.Is(err, ErrAlreadyMarked)
}

// IsNotFound reports whether an error is a missing-document rejection.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrStudentNotFound)
}

var _ Lifecycle = (*session.Service)(nil)
