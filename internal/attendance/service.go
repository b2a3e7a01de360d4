package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"classattend/internal/queue"
)

// ErrNetworkMismatch rejects a mark when the session pins an SSID the
// client is not on.
var ErrNetworkMismatch = errors.New("you are not connected to the required classroom network")

// EligibilityChecker is satisfied by the eligibility matcher. Declared
// here so the marking service stays decoupled from its package.
type EligibilityChecker interface {
	Check(ctx context.Context, enrollment, sessionID string) (*Session, error)
}

// MarkStore is the write surface the marking service needs.
type MarkStore interface {
	SetStudentMark(ctx context.Context, enrollment, sessionID, code string) error
	SetSessionEntry(ctx context.Context, sessionID, enrollment, status string) error
	InsertMarkEvent(ctx context.Context, evt MarkEvent) (MarkEvent, error)
}

// Notifier pushes change events to live session monitors.
type Notifier interface {
	PublishSessionEvent(ctx context.Context, sessionID string, payload []byte) error
}

// RosterRetryJob is the queue payload for a roster write that failed
// after the student-record write succeeded.
type RosterRetryJob struct {
	SessionID  string `json:"session_id"`
	Enrollment string `json:"enrollment"`
}

// RosterRetryType is the queue message type for RosterRetryJob bodies.
const RosterRetryType = "roster_retry"

// Service is the single marking entry point. Callers invoke it only
// after the biometric collaborator reported success.
type Service struct {
	repo     MarkStore
	checker  EligibilityChecker
	q        queue.Queue
	notifier Notifier
}

// NewService creates a marking service. Queue and notifier may be nil in
// tests.
func NewService(repo MarkStore, checker EligibilityChecker, q queue.Queue, notifier Notifier) *Service {
	return &Service{repo: repo, checker: checker, q: q, notifier: notifier}
}

// MarkPresent records the student as present in both record families.
// The two writes are independent: the student-owned record is written
// first, and a roster-side failure is not rolled back — it is logged and
// queued for retry, with read-time precedence covering the gap until
// then. Marking twice yields the same final state as marking once.
func (s *Service) MarkPresent(ctx context.Context, sessionID, enrollment, observedSSID string) error {
	sess, err := s.checker.Check(ctx, enrollment, sessionID)
	if err != nil {
		marksRejected.Inc()
		return err
	}

	if sess.RequiredSSID != "" && observedSSID != sess.RequiredSSID {
		// Trust mode: an unreadable SSID passes when the session allows
		// the university network (Android 11+ hides SSIDs without the
		// location permission).
		if !(sess.AllowUniversityWiFi && observedSSID == "") {
			marksRejected.Inc()
			return ErrNetworkMismatch
		}
	}

	if err := s.repo.SetStudentMark(ctx, enrollment, sessionID, Present.MarkCode()); err != nil {
		marksRejected.Inc()
		return err
	}

	if err := s.repo.SetSessionEntry(ctx, sessionID, enrollment, Present.EntryLabel()); err != nil {
		log.Printf("roster write failed for %s/%s, queueing retry: %v", sessionID, enrollment, err)
		s.enqueueRosterRetry(ctx, sessionID, enrollment)
		marksRetried.Inc()
	}

	if _, err := s.repo.InsertMarkEvent(ctx, MarkEvent{
		SessionID:  sessionID,
		Enrollment: enrollment,
		SSID:       observedSSID,
		When:       time.Now().UTC(),
	}); err != nil {
		log.Printf("mark audit insert failed for %s/%s: %v", sessionID, enrollment, err)
	}

	s.notify(ctx, sessionID, enrollment)
	marksAccepted.Inc()
	return nil
}

// RetryRosterWrite re-applies a queued roster write. Idempotent: the
// roster write is a plain upsert of "Present".
func (s *Service) RetryRosterWrite(ctx context.Context, job RosterRetryJob) error {
	if err := s.repo.SetSessionEntry(ctx, job.SessionID, job.Enrollment, Present.EntryLabel()); err != nil {
		return err
	}
	s.notify(ctx, job.SessionID, job.Enrollment)
	return nil
}

func (s *Service) enqueueRosterRetry(ctx context.Context, sessionID, enrollment string) {
	if s.q == nil {
		return
	}
	body, err := json.Marshal(RosterRetryJob{SessionID: sessionID, Enrollment: enrollment})
	if err != nil {
		return
	}
	if err := s.q.Publish(ctx, queue.Message{Type: RosterRetryType, Body: body}); err != nil {
		// The stale roster side is subordinate in precedence, so a lost
		// retry degrades reporting detail, not correctness.
		log.Printf("queue publish failed for %s/%s: %v", sessionID, enrollment, err)
	}
}

func (s *Service) notify(ctx context.Context, sessionID, enrollment string) {
	if s.notifier == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"type": "marked", "enrollment": enrollment})
	if err := s.notifier.PublishSessionEvent(ctx, sessionID, payload); err != nil {
		log.Printf("session event publish failed for %s: %v", sessionID, err)
	}
}
