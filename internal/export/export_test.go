package export

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"classattend/internal/attendance"
)

type fakeStore struct {
	sess    *attendance.Session
	roster  []attendance.RosterEntry
	marks   map[string]string
	markErr error
}

func (f *fakeStore) GetSession(_ context.Context, _ string) (*attendance.Session, error) {
	return f.sess, nil
}

func (f *fakeStore) SessionRoster(_ context.Context, _ string) ([]attendance.RosterEntry, error) {
	return f.roster, nil
}

func (f *fakeStore) StudentMark(_ context.Context, enrollment, _ string) (string, error) {
	if f.markErr != nil {
		return "", f.markErr
	}
	return f.marks[enrollment], nil
}

func testStore() *fakeStore {
	return &fakeStore{
		sess: &attendance.Session{
			ID: "attendance_session_id_1710151200000", Branch: "CE", Division: "B",
			Group: "1", Subject: "DBMS", PeriodDate: "11/03/24",
			StartTime: "10 AM", EndTime: "11 AM", Status: attendance.SessionEnded,
		},
		roster: []attendance.RosterEntry{
			{Enrollment: "E1", RawStatus: "Present"},
			{Enrollment: "E2", RawStatus: "Not Marked"},
			{Enrollment: "E3", RawStatus: "Not Marked"},
		},
		marks: map[string]string{"E1": "P", "E2": "P"},
	}
}

func TestBuildResolvesRoster(t *testing.T) {
	store := testStore()
	rep, err := Build(context.Background(), store, store.sess.ID)
	if err != nil {
		t.Fatal(err)
	}

	if rep.Summary.Total != 3 || rep.Summary.Present != 2 || rep.Summary.Absent != 1 {
		t.Errorf("summary = %+v", rep.Summary)
	}
	want := map[string]attendance.Status{
		"E1": attendance.Present,
		"E2": attendance.Present, // mark beats the stale roster side
		"E3": attendance.Absent,  // unmarked defaults to absent
	}
	for _, row := range rep.Rows {
		if row.Status != want[row.Enrollment] {
			t.Errorf("%s = %v, want %v", row.Enrollment, row.Status, want[row.Enrollment])
		}
	}
}

func TestBuildMarkReadFailureFallsBackToRoster(t *testing.T) {
	store := testStore()
	store.markErr = errors.New("unavailable")

	rep, err := Build(context.Background(), store, store.sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	// With the mark side unreadable, E1's roster "Present" still counts;
	// E2 and E3 fall to absent.
	if rep.Summary.Present != 1 || rep.Summary.Absent != 2 {
		t.Errorf("summary = %+v", rep.Summary)
	}
}

func TestBuildUnknownSession(t *testing.T) {
	store := &fakeStore{}
	if _, err := Build(context.Background(), store, "nope"); err == nil {
		t.Fatal("missing session not reported")
	}
}

func TestEncodeCSV(t *testing.T) {
	store := testStore()
	rep, err := Build(context.Background(), store, store.sess.ID)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := EncodeCSV(rep)
	if err != nil {
		t.Fatal(err)
	}
	out := string(raw)

	for _, want := range []string{
		"Session,attendance_session_id_1710151200000",
		"Division,Div - 2",
		"Time,10 AM - 11 AM",
		"Total,3",
		"Present,2",
		"Enrollment,Status",
		"E1,Present",
		"E3,Absent",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("csv missing %q:\n%s", want, out)
		}
	}
	// Header block and rows are separated by a blank record.
	if !bytes.Contains(raw, []byte("\n\n")) {
		t.Error("csv lacks the blank separator line")
	}
}
