package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"classattend/internal/attendance"
)

// GracePeriod is the fixed window after a session's scheduled end during
// which marking is still accepted. Past end+grace the session is closed
// even if the stored status has not been flipped yet.
const GracePeriod = 30 * time.Minute

// DefaultDuration is a session's scheduled length.
const DefaultDuration = time.Hour

const idPrefix = "attendance_session_id_"

// ErrActiveSessionExists is returned when creation would overlap an
// active session for the same division/group.
var ErrActiveSessionExists = errors.New("an active session already exists for this division and group")

// Store is the slice of the attendance repository the lifecycle needs.
type Store interface {
	CreateSession(ctx context.Context, s attendance.Session) (bool, error)
	GetSession(ctx context.Context, sessionID string) (*attendance.Session, error)
	ActiveSession(ctx context.Context, division, group string) (*attendance.Session, error)
	EndSession(ctx context.Context, sessionID string, endedAt int64) error
	MarkSessionExpired(ctx context.Context, sessionID string) error
	StudentsByDivision(ctx context.Context, division string) ([]attendance.Student, error)
	InitSessionStudent(ctx context.Context, sessionID, enrollment string) error
	UpdateSessionNetwork(ctx context.Context, sessionID, requiredSSID string, allowUniversityWiFi bool) error
}

// PointerStore persists the faculty device's current-session pointer so
// an app restart can resume instead of silently losing the session.
type PointerStore interface {
	SaveActiveSession(ctx context.Context, facultyID, sessionID string) error
	LoadActiveSession(ctx context.Context, facultyID string) (string, error)
	ClearActiveSession(ctx context.Context, facultyID string) error
}

// ActiveSessionHandle is what faculty callers thread through their flow
// instead of re-reading an ambient pointer.
type ActiveSessionHandle struct {
	SessionID    string `json:"session_id"`
	Resumed      bool   `json:"resumed"`
	StudentCount int    `json:"student_count"`
}

// CreateInput is the faculty-facing creation request. Division arrives
// as a display name and is converted to its stored code here.
type CreateInput struct {
	Branch       string
	Division     string
	Group        string
	Subject      string
	RequiredSSID string
}

// Service owns the session state machine: active -> ended (faculty) or
// active -> expired (time-based, lazily observed). Both are terminal.
type Service struct {
	store    Store
	pointers PointerStore
	duration time.Duration
	now      func() time.Time
}

// NewService creates a lifecycle service. now is injectable for tests;
// nil means time.Now.
func NewService(store Store, pointers PointerStore, duration time.Duration, now func() time.Time) *Service {
	if duration <= 0 {
		duration = DefaultDuration
	}
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, pointers: pointers, duration: duration, now: now}
}

// Create starts a new session and fans out per-student records for the
// matching division. The session id is derived from the creation
// timestamp; on a same-millisecond collision the store rejects the
// insert and the timestamp is bumped before retrying.
func (s *Service) Create(ctx context.Context, facultyID string, in CreateInput) (ActiveSessionHandle, error) {
	division := attendance.DivisionCode(in.Division)

	if existing, err := s.store.ActiveSession(ctx, division, in.Group); err != nil {
		return ActiveSessionHandle{}, err
	} else if existing != nil && !s.IsExpired(existing, s.now()) {
		return ActiveSessionHandle{}, ErrActiveSessionExists
	}

	now := s.now()
	startMillis := now.UnixMilli()
	sess := attendance.Session{
		Branch:          in.Branch,
		Division:        division,
		Group:           in.Group,
		Subject:         in.Subject,
		PeriodDate:      now.Format("02/01/06"),
		StartTime:       clockLabel(now),
		EndTime:         clockLabel(now.Add(s.duration)),
		Timestamp:       startMillis,
		StartTimeMillis: startMillis,
		EndTimestamp:    now.Add(s.duration).UnixMilli(),
		Status:          attendance.SessionActive,
		RequiredSSID:    in.RequiredSSID,
	}

	// Bump the millisecond until the insert lands. Two attempts cover
	// the realistic collision case; beyond that something else is wrong.
	for attempt := 0; ; attempt++ {
		sess.ID = fmt.Sprintf("%s%d", idPrefix, startMillis+int64(attempt))
		created, err := s.store.CreateSession(ctx, sess)
		if err != nil {
			return ActiveSessionHandle{}, err
		}
		if created {
			break
		}
		if attempt >= 5 {
			return ActiveSessionHandle{}, errors.New("could not allocate a unique session id")
		}
		log.Printf("session id collision on %s, bumping timestamp", sess.ID)
	}

	count, err := s.fanOut(ctx, sess.ID, division)
	if err != nil {
		// The session doc is written; a later retry or the reconciler's
		// defaulting recovers missing entries, so the session survives.
		log.Printf("student fan-out incomplete for %s: %v", sess.ID, err)
	}
	if count == 0 {
		log.Printf("no students found for division %s", division)
	}

	if s.pointers != nil {
		if err := s.pointers.SaveActiveSession(ctx, facultyID, sess.ID); err != nil {
			log.Printf("persist active session pointer failed: %v", err)
		}
	}

	sessionsCreated.Inc()
	return ActiveSessionHandle{SessionID: sess.ID, StudentCount: count}, nil
}

// ResumeOrCreate reuses the faculty's persisted session if it still
// exists and is active; otherwise it falls through to Create. Terminal
// sessions are never resumed.
func (s *Service) ResumeOrCreate(ctx context.Context, facultyID string, in CreateInput) (ActiveSessionHandle, error) {
	if s.pointers != nil {
		saved, err := s.pointers.LoadActiveSession(ctx, facultyID)
		if err != nil {
			// Fall back to creating so the pointer store never blocks faculty.
			log.Printf("load active session pointer failed: %v", err)
		} else if saved != "" {
			sess, err := s.store.GetSession(ctx, saved)
			if err != nil {
				log.Printf("check saved session %s failed: %v", saved, err)
			} else if sess != nil && sess.Status == attendance.SessionActive && !s.IsExpired(sess, s.now()) {
				roster := 0
				if students, err := s.store.StudentsByDivision(ctx, sess.Division); err == nil {
					roster = len(students)
				}
				return ActiveSessionHandle{SessionID: sess.ID, Resumed: true, StudentCount: roster}, nil
			}
		}
	}
	return s.Create(ctx, facultyID, in)
}

// End flips a session to ended and clears the faculty pointer. Ending a
// session that is already terminal is a no-op.
func (s *Service) End(ctx context.Context, facultyID, sessionID string) error {
	if err := s.store.EndSession(ctx, sessionID, s.now().UnixMilli()); err != nil {
		return err
	}
	if s.pointers != nil {
		if err := s.pointers.ClearActiveSession(ctx, facultyID); err != nil {
			log.Printf("clear active session pointer failed: %v", err)
		}
	}
	sessionsEnded.Inc()
	return nil
}

// SetNetwork applies the faculty network constraint mid-session.
func (s *Service) SetNetwork(ctx context.Context, sessionID, requiredSSID string, allowUniversityWiFi bool) error {
	return s.store.UpdateSessionNetwork(ctx, sessionID, requiredSSID, allowUniversityWiFi)
}

// IsExpired reports whether a session is past its validity window: a
// terminal status, or now beyond end_timestamp plus the grace period.
func (s *Service) IsExpired(sess *attendance.Session, now time.Time) bool {
	return IsExpired(sess, now)
}

// IsExpired is the pure form of the expiry check.
func IsExpired(sess *attendance.Session, now time.Time) bool {
	if sess.Status != attendance.SessionActive {
		return true
	}
	if sess.EndTimestamp == 0 {
		return false
	}
	return now.UnixMilli() > sess.EndTimestamp+GracePeriod.Milliseconds()
}

// LazyExpire opportunistically persists the expired flag when a read
// observed a session past its cutoff with the status still "active".
func (s *Service) LazyExpire(ctx context.Context, sess *attendance.Session) {
	if sess.Status != attendance.SessionActive {
		return
	}
	if err := s.store.MarkSessionExpired(ctx, sess.ID); err != nil {
		log.Printf("lazy expire %s failed: %v", sess.ID, err)
		return
	}
	sessionsExpired.Inc()
}

func (s *Service) fanOut(ctx context.Context, sessionID, division string) (int, error) {
	students, err := s.store.StudentsByDivision(ctx, division)
	if err != nil {
		return 0, err
	}
	initialized := 0
	var firstErr error
	for _, st := range students {
		if err := s.store.InitSessionStudent(ctx, sessionID, st.Enrollment); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		initialized++
	}
	return initialized, firstErr
}

// clockLabel renders the hour the way the session card displays it.
func clockLabel(t time.Time) string {
	hour := t.Hour()
	ampm := "AM"
	if hour >= 12 {
		ampm = "PM"
	}
	h := hour % 12
	if h == 0 {
		h = 12
	}
	return fmt.Sprintf("%d %s", h, ampm)
}
