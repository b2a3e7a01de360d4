package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"classattend/internal/queue"
)

type fakeMarkStore struct {
	marks     map[string]string // "enrollment/sessionID" -> code
	roster    map[string]string // "sessionID/enrollment" -> status
	events    []MarkEvent
	rosterErr error
}

func newFakeMarkStore() *fakeMarkStore {
	return &fakeMarkStore{
		marks:  make(map[string]string),
		roster: make(map[string]string),
	}
}

func (f *fakeMarkStore) SetStudentMark(_ context.Context, enrollment, sessionID, code string) error {
	f.marks[enrollment+"/"+sessionID] = code
	return nil
}

func (f *fakeMarkStore) SetSessionEntry(_ context.Context, sessionID, enrollment, status string) error {
	if f.rosterErr != nil {
		return f.rosterErr
	}
	f.roster[sessionID+"/"+enrollment] = status
	return nil
}

func (f *fakeMarkStore) InsertMarkEvent(_ context.Context, evt MarkEvent) (MarkEvent, error) {
	f.events = append(f.events, evt)
	return evt, nil
}

type allowChecker struct {
	sess *Session
	err  error
}

func (c *allowChecker) Check(context.Context, string, string) (*Session, error) {
	return c.sess, c.err
}

func activeSession() *Session {
	return &Session{ID: "sid1", Division: "B", Group: "1", Status: SessionActive}
}

func TestMarkPresentWritesBothFamilies(t *testing.T) {
	store := newFakeMarkStore()
	svc := NewService(store, &allowChecker{sess: activeSession()}, nil, nil)

	if err := svc.MarkPresent(context.Background(), "sid1", "E1", ""); err != nil {
		t.Fatal(err)
	}
	if store.marks["E1/sid1"] != "P" {
		t.Errorf("student mark = %q, want P", store.marks["E1/sid1"])
	}
	if store.roster["sid1/E1"] != "Present" {
		t.Errorf("roster entry = %q, want Present", store.roster["sid1/E1"])
	}
	if len(store.events) != 1 || store.events[0].Enrollment != "E1" {
		t.Errorf("audit events = %+v", store.events)
	}
}

func TestMarkPresentIsIdempotent(t *testing.T) {
	store := newFakeMarkStore()
	svc := NewService(store, &allowChecker{sess: activeSession()}, nil, nil)

	for i := 0; i < 2; i++ {
		if err := svc.MarkPresent(context.Background(), "sid1", "E1", ""); err != nil {
			t.Fatal(err)
		}
	}
	if store.marks["E1/sid1"] != "P" || store.roster["sid1/E1"] != "Present" {
		t.Errorf("final state = %q / %q", store.marks["E1/sid1"], store.roster["sid1/E1"])
	}
}

func TestMarkPresentRejectionShortCircuits(t *testing.T) {
	store := newFakeMarkStore()
	rejection := errors.New("you have already marked your attendance for this session")
	svc := NewService(store, &allowChecker{err: rejection}, nil, nil)

	if err := svc.MarkPresent(context.Background(), "sid1", "E1", ""); !errors.Is(err, rejection) {
		t.Fatalf("err = %v", err)
	}
	if len(store.marks) != 0 || len(store.roster) != 0 {
		t.Error("writes happened despite rejection")
	}
}

func TestMarkPresentNetworkGate(t *testing.T) {
	sess := activeSession()
	sess.RequiredSSID = "ClassroomAP"
	store := newFakeMarkStore()
	svc := NewService(store, &allowChecker{sess: sess}, nil, nil)

	if err := svc.MarkPresent(context.Background(), "sid1", "E1", "CoffeeShop"); !errors.Is(err, ErrNetworkMismatch) {
		t.Fatalf("err = %v", err)
	}
	if err := svc.MarkPresent(context.Background(), "sid1", "E1", "ClassroomAP"); err != nil {
		t.Fatalf("matching SSID rejected: %v", err)
	}
}

func TestMarkPresentTrustModePassesHiddenSSID(t *testing.T) {
	sess := activeSession()
	sess.RequiredSSID = "ClassroomAP"
	sess.AllowUniversityWiFi = true
	store := newFakeMarkStore()
	svc := NewService(store, &allowChecker{sess: sess}, nil, nil)

	// Client could not read the SSID at all: trusted.
	if err := svc.MarkPresent(context.Background(), "sid1", "E1", ""); err != nil {
		t.Fatalf("hidden SSID rejected under trust mode: %v", err)
	}
	// A readably wrong SSID is still rejected.
	if err := svc.MarkPresent(context.Background(), "sid1", "E2", "CoffeeShop"); !errors.Is(err, ErrNetworkMismatch) {
		t.Fatalf("err = %v", err)
	}
}

func TestMarkPresentRosterFailureQueuesRetry(t *testing.T) {
	store := newFakeMarkStore()
	store.rosterErr = errors.New("roster unavailable")
	q := queue.NewInMemory(4)
	svc := NewService(store, &allowChecker{sess: activeSession()}, q, nil)

	// The student-record write landed, so the call still succeeds.
	if err := svc.MarkPresent(context.Background(), "sid1", "E1", ""); err != nil {
		t.Fatal(err)
	}
	if store.marks["E1/sid1"] != "P" {
		t.Errorf("student mark missing: %q", store.marks["E1/sid1"])
	}
	if _, ok := store.roster["sid1/E1"]; ok {
		t.Error("roster write should have failed")
	}

	msgs, err := q.Consume(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	msg := <-msgs
	if msg.Type != RosterRetryType {
		t.Fatalf("queued type = %q", msg.Type)
	}
	var job RosterRetryJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		t.Fatal(err)
	}
	if job.SessionID != "sid1" || job.Enrollment != "E1" {
		t.Errorf("job = %+v", job)
	}

	// Worker replays the job once the roster store recovers.
	store.rosterErr = nil
	if err := svc.RetryRosterWrite(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if store.roster["sid1/E1"] != "Present" {
		t.Errorf("roster entry after retry = %q", store.roster["sid1/E1"])
	}
}
