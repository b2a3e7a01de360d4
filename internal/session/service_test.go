package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"classattend/internal/attendance"
)

type fakeStore struct {
	sessions map[string]*attendance.Session
	students []attendance.Student
	inits    map[string]int // sessionID -> fan-out count
	initErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*attendance.Session),
		inits:    make(map[string]int),
	}
}

func (f *fakeStore) CreateSession(_ context.Context, s attendance.Session) (bool, error) {
	if _, exists := f.sessions[s.ID]; exists {
		return false, nil
	}
	cp := s
	f.sessions[s.ID] = &cp
	return true, nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*attendance.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) ActiveSession(_ context.Context, division, group string) (*attendance.Session, error) {
	for _, s := range f.sessions {
		if s.Division == division && s.Group == group && s.Status == attendance.SessionActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) EndSession(_ context.Context, id string, endedAt int64) error {
	if s, ok := f.sessions[id]; ok && s.Status == attendance.SessionActive {
		s.Status = attendance.SessionEnded
		s.EndTimestamp = endedAt
	}
	return nil
}

func (f *fakeStore) MarkSessionExpired(_ context.Context, id string) error {
	if s, ok := f.sessions[id]; ok && s.Status == attendance.SessionActive {
		s.Status = attendance.SessionExpired
	}
	return nil
}

func (f *fakeStore) StudentsByDivision(_ context.Context, division string) ([]attendance.Student, error) {
	var res []attendance.Student
	for _, s := range f.students {
		if s.Division == division {
			res = append(res, s)
		}
	}
	return res, nil
}

func (f *fakeStore) InitSessionStudent(_ context.Context, sessionID, _ string) error {
	if f.initErr != nil {
		return f.initErr
	}
	f.inits[sessionID]++
	return nil
}

func (f *fakeStore) UpdateSessionNetwork(_ context.Context, id, ssid string, allow bool) error {
	if s, ok := f.sessions[id]; ok {
		s.RequiredSSID = ssid
		s.AllowUniversityWiFi = allow
	}
	return nil
}

type fakePointers struct {
	saved map[string]string
}

func newFakePointers() *fakePointers { return &fakePointers{saved: make(map[string]string)} }

func (f *fakePointers) SaveActiveSession(_ context.Context, facultyID, sessionID string) error {
	f.saved[facultyID] = sessionID
	return nil
}

func (f *fakePointers) LoadActiveSession(_ context.Context, facultyID string) (string, error) {
	return f.saved[facultyID], nil
}

func (f *fakePointers) ClearActiveSession(_ context.Context, facultyID string) error {
	delete(f.saved, facultyID)
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var baseTime = time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)

func TestCreateStoresDivisionCode(t *testing.T) {
	store := newFakeStore()
	store.students = []attendance.Student{{Enrollment: "E1", Division: "B", Group: "1"}}
	svc := NewService(store, newFakePointers(), time.Hour, fixedClock(baseTime))

	handle, err := svc.Create(context.Background(), "fac1", CreateInput{
		Branch: "CE", Division: "Div - 2", Group: "1", Subject: "DBMS",
	})
	if err != nil {
		t.Fatal(err)
	}

	sess := store.sessions[handle.SessionID]
	if sess.Division != "B" {
		t.Errorf("stored division = %q, want B", sess.Division)
	}
	if sess.Status != attendance.SessionActive {
		t.Errorf("status = %q, want active", sess.Status)
	}
	if sess.EndTimestamp != baseTime.Add(time.Hour).UnixMilli() {
		t.Errorf("end timestamp = %d", sess.EndTimestamp)
	}
	if handle.StudentCount != 1 || store.inits[handle.SessionID] != 1 {
		t.Errorf("fan-out count = %d", handle.StudentCount)
	}
}

func TestCreateBumpsTimestampOnCollision(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, time.Hour, fixedClock(baseTime))

	h1, err := svc.Create(context.Background(), "fac1", CreateInput{
		Branch: "CE", Division: "Div - 1", Group: "1", Subject: "CN",
	})
	if err != nil {
		t.Fatal(err)
	}
	// End the first so the overlap guard does not trip; the id for the
	// same millisecond is now taken.
	if err := svc.End(context.Background(), "fac1", h1.SessionID); err != nil {
		t.Fatal(err)
	}

	h2, err := svc.Create(context.Background(), "fac1", CreateInput{
		Branch: "CE", Division: "Div - 1", Group: "1", Subject: "CN",
	})
	if err != nil {
		t.Fatal(err)
	}
	if h2.SessionID == h1.SessionID {
		t.Fatal("same-millisecond creation reused the session id")
	}
}

func TestCreateRejectsOverlappingActiveSession(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, time.Hour, fixedClock(baseTime))

	if _, err := svc.Create(context.Background(), "fac1", CreateInput{
		Branch: "CE", Division: "Div - 1", Group: "2", Subject: "CN",
	}); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Create(context.Background(), "fac2", CreateInput{
		Branch: "CE", Division: "Div - 1", Group: "2", Subject: "Maths",
	})
	if !errors.Is(err, ErrActiveSessionExists) {
		t.Fatalf("err = %v, want ErrActiveSessionExists", err)
	}

	// A different group is fine.
	if _, err := svc.Create(context.Background(), "fac2", CreateInput{
		Branch: "CE", Division: "Div - 1", Group: "3", Subject: "Maths",
	}); err != nil {
		t.Fatalf("different group rejected: %v", err)
	}
}

func TestResumeOrCreateReusesActiveSession(t *testing.T) {
	store := newFakeStore()
	pointers := newFakePointers()
	svc := NewService(store, pointers, time.Hour, fixedClock(baseTime))
	in := CreateInput{Branch: "CE", Division: "Div - 1", Group: "1", Subject: "CN"}

	h1, err := svc.Create(context.Background(), "fac1", in)
	if err != nil {
		t.Fatal(err)
	}

	h2, err := svc.ResumeOrCreate(context.Background(), "fac1", in)
	if err != nil {
		t.Fatal(err)
	}
	if !h2.Resumed || h2.SessionID != h1.SessionID {
		t.Errorf("handle = %+v, want resume of %s", h2, h1.SessionID)
	}
}

func TestResumeOrCreateSkipsTerminalSession(t *testing.T) {
	store := newFakeStore()
	pointers := newFakePointers()
	clock := baseTime
	svc := NewService(store, pointers, time.Hour, func() time.Time { return clock })
	in := CreateInput{Branch: "CE", Division: "Div - 1", Group: "1", Subject: "CN"}

	h1, err := svc.Create(context.Background(), "fac1", in)
	if err != nil {
		t.Fatal(err)
	}
	store.sessions[h1.SessionID].Status = attendance.SessionEnded
	// Pointer still set: resume must notice the terminal status and
	// create a fresh session instead.
	clock = clock.Add(time.Millisecond)

	h2, err := svc.ResumeOrCreate(context.Background(), "fac1", in)
	if err != nil {
		t.Fatal(err)
	}
	if h2.Resumed || h2.SessionID == h1.SessionID {
		t.Errorf("handle = %+v, want fresh session", h2)
	}
}

func TestEndIsIdempotentAndClearsPointer(t *testing.T) {
	store := newFakeStore()
	pointers := newFakePointers()
	svc := NewService(store, pointers, time.Hour, fixedClock(baseTime))

	h, err := svc.Create(context.Background(), "fac1", CreateInput{
		Branch: "CE", Division: "Div - 1", Group: "1", Subject: "CN",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.End(context.Background(), "fac1", h.SessionID); err != nil {
		t.Fatal(err)
	}
	if _, ok := pointers.saved["fac1"]; ok {
		t.Error("pointer not cleared after end")
	}
	// Ending again is a no-op, not an error.
	if err := svc.End(context.Background(), "fac1", h.SessionID); err != nil {
		t.Errorf("second end errored: %v", err)
	}
	if store.sessions[h.SessionID].Status != attendance.SessionEnded {
		t.Errorf("status = %q", store.sessions[h.SessionID].Status)
	}
}

func TestIsExpired(t *testing.T) {
	end := baseTime.Add(time.Hour)
	sess := &attendance.Session{
		Status:       attendance.SessionActive,
		EndTimestamp: end.UnixMilli(),
	}

	if IsExpired(sess, end.Add(-time.Minute)) {
		t.Error("expired before scheduled end")
	}
	if IsExpired(sess, end.Add(29*time.Minute)) {
		t.Error("expired within the grace period")
	}
	// 45 minutes past the end is beyond grace even while the stored
	// status still says active.
	if !IsExpired(sess, end.Add(45*time.Minute)) {
		t.Error("not expired past the grace period")
	}

	for _, status := range []string{attendance.SessionEnded, attendance.SessionExpired} {
		s := &attendance.Session{Status: status, EndTimestamp: end.UnixMilli()}
		if !IsExpired(s, baseTime) {
			t.Errorf("terminal status %q not treated as expired", status)
		}
	}
}

func TestLazyExpireFlipsOnlyActive(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, time.Hour, fixedClock(baseTime))

	h, err := svc.Create(context.Background(), "fac1", CreateInput{
		Branch: "CE", Division: "Div - 1", Group: "1", Subject: "CN",
	})
	if err != nil {
		t.Fatal(err)
	}
	sess := store.sessions[h.SessionID]

	svc.LazyExpire(context.Background(), sess)
	if store.sessions[h.SessionID].Status != attendance.SessionExpired {
		t.Errorf("status = %q, want expired", store.sessions[h.SessionID].Status)
	}

	// One-directional: a second flip on the snapshot is a no-op.
	snapshot := *store.sessions[h.SessionID]
	svc.LazyExpire(context.Background(), &snapshot)
	if store.sessions[h.SessionID].Status != attendance.SessionExpired {
		t.Errorf("status changed on repeat flip: %q", store.sessions[h.SessionID].Status)
	}
}
