// Package reconcile computes authoritative attendance figures from the
// two independently-written record families. Marking issues two writes
// with no transactional coupling, so the families can disagree after a
// crash or dropped connection; the precedence rule here is what makes
// that tolerable.
package reconcile

import (
	"context"
	"math"
	"sync"

	"classattend/internal/attendance"
)

// Store is the slice of the attendance repository the reconciler reads.
type Store interface {
	SessionRoster(ctx context.Context, sessionID string) ([]attendance.RosterEntry, error)
	StudentMark(ctx context.Context, enrollment, sessionID string) (string, error)
	StudentMarks(ctx context.Context, enrollment string) (map[string]string, error)
	SessionSubject(ctx context.Context, sessionID string) (string, error)
}

// Summary is the per-session aggregate for the faculty report.
// Total is the roster size; present + absent always equals total.
type Summary struct {
	SessionID string `json:"session_id"`
	Total     int    `json:"total"`
	Present   int    `json:"present"`
	Absent    int    `json:"absent"`
}

// Percentage is a student's overall attendance figure. Sessions with an
// empty subject are excluded from the denominator entirely rather than
// counted as absences.
type Percentage struct {
	Enrollment string  `json:"enrollment"`
	Attended   int     `json:"attended"`
	Eligible   int     `json:"eligible"`
	Percent    float64 `json:"percent"`
}

// Rounded returns the nearest-integer form used by dashboard chips.
func (p Percentage) Rounded() int {
	return int(math.Round(p.Percent))
}

// Reconciler resolves per-pair status and computes aggregates.
type Reconciler struct {
	store Store
}

// New creates a reconciler.
func New(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// Resolve applies the precedence rule to the raw wire values of one
// (student, session) pair: a recognized student-record code wins
// outright; otherwise a roster "Present" counts; everything else,
// including "Not Marked" and missing-entirely, resolves to Absent.
func Resolve(markCode, rosterStatus string) attendance.Status {
	if st, ok := attendance.ParseMarkCode(markCode); ok {
		return st
	}
	if attendance.ParseEntryLabel(rosterStatus) == attendance.Present {
		return attendance.Present
	}
	return attendance.Absent
}

// Status resolves one pair by reading both families. Absence of either
// side is not an error; whichever side has data drives the verdict.
func (r *Reconciler) Status(ctx context.Context, enrollment, sessionID string) (attendance.Status, error) {
	code, err := r.store.StudentMark(ctx, enrollment, sessionID)
	if err != nil {
		return attendance.Absent, err
	}
	if st, ok := attendance.ParseMarkCode(code); ok {
		return st, nil
	}
	roster, err := r.store.SessionRoster(ctx, sessionID)
	if err != nil {
		return attendance.Absent, err
	}
	for _, e := range roster {
		if e.Enrollment == enrollment {
			return Resolve(code, e.RawStatus), nil
		}
	}
	return attendance.Absent, nil
}

// SessionSummary resolves every roster entry and returns the counts.
// The per-entry student-record reads fan out concurrently; a shared
// counter guarded by the mutex tracks completion, since only the
// completion count matters, not the order of individual resolutions.
// A session with an empty roster reports all zeros.
func (r *Reconciler) SessionSummary(ctx context.Context, sessionID string) (Summary, error) {
	roster, err := r.store.SessionRoster(ctx, sessionID)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{SessionID: sessionID, Total: len(roster)}
	if len(roster) == 0 {
		return sum, nil
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		present int
	)
	for _, entry := range roster {
		wg.Add(1)
		go func(e attendance.RosterEntry) {
			defer wg.Done()
			// A failed read falls back to the roster side alone, the
			// same subordinate position it holds in the precedence rule.
			code, err := r.store.StudentMark(ctx, e.Enrollment, sessionID)
			if err != nil {
				code = ""
			}
			if Resolve(code, e.RawStatus) == attendance.Present {
				mu.Lock()
				present++
				mu.Unlock()
			}
		}(entry)
	}
	wg.Wait()

	sum.Present = present
	sum.Absent = sum.Total - present
	return sum, nil
}

// StudentPercentage computes the overall figure across every session the
// student holds a record for. A session enters the denominator only when
// its subject field is non-empty; a zero denominator yields 0%, never an
// error or NaN. Percent carries one decimal place.
func (r *Reconciler) StudentPercentage(ctx context.Context, enrollment string) (Percentage, error) {
	marks, err := r.store.StudentMarks(ctx, enrollment)
	if err != nil {
		return Percentage{}, err
	}

	p := Percentage{Enrollment: enrollment}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for sid, code := range marks {
		wg.Add(1)
		go func(sid, code string) {
			defer wg.Done()
			subject, err := r.store.SessionSubject(ctx, sid)
			if err != nil || subject == "" {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			p.Eligible++
			if Resolve(code, "") == attendance.Present {
				p.Attended++
			}
		}(sid, code)
	}
	wg.Wait()

	if p.Eligible > 0 {
		p.Percent = math.Round(float64(p.Attended)/float64(p.Eligible)*1000) / 10
	}
	return p, nil
}
