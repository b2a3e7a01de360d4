// Package export is the report exporter boundary: it turns reconciled
// attendance into the row contract the spreadsheet side consumes, and
// delivers the encoded artifact as a downloadable file.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"

	"classattend/internal/attendance"
	"classattend/internal/reconcile"
)

// Row is one reconciled student line. This, not any storage format, is
// the contract the exporter collaborator relies on.
type Row struct {
	Enrollment string
	Status     attendance.Status
}

// Report is the exporter's full input: session metadata, reconciled
// rows, and the aggregate counts.
type Report struct {
	Session attendance.Session
	Summary reconcile.Summary
	Rows    []Row
}

// Store is the roster/mark surface the builder reads.
type Store interface {
	SessionRoster(ctx context.Context, sessionID string) ([]attendance.RosterEntry, error)
	StudentMark(ctx context.Context, enrollment, sessionID string) (string, error)
	GetSession(ctx context.Context, sessionID string) (*attendance.Session, error)
}

// Build assembles the report for one session by resolving every roster
// entry through the reconciler's precedence rule.
func Build(ctx context.Context, store Store, sessionID string) (*Report, error) {
	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}

	roster, err := store.SessionRoster(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		Session: *sess,
		Summary: reconcile.Summary{SessionID: sessionID, Total: len(roster)},
	}
	for _, e := range roster {
		code, err := store.StudentMark(ctx, e.Enrollment, sessionID)
		if err != nil {
			code = ""
		}
		st := reconcile.Resolve(code, e.RawStatus)
		if st == attendance.Present {
			rep.Summary.Present++
		}
		rep.Rows = append(rep.Rows, Row{Enrollment: e.Enrollment, Status: st})
	}
	rep.Summary.Absent = rep.Summary.Total - rep.Summary.Present
	return rep, nil
}

// EncodeCSV renders the report in the column order the spreadsheet side
// expects.
func EncodeCSV(rep *Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	head := [][]string{
		{"Session", rep.Session.ID},
		{"Subject", rep.Session.Subject},
		{"Branch", rep.Session.Branch},
		{"Division", attendance.DivisionDisplay(rep.Session.Division)},
		{"Group", rep.Session.Group},
		{"Date", rep.Session.PeriodDate},
		{"Time", rep.Session.StartTime + " - " + rep.Session.EndTime},
		{"Total", strconv.Itoa(rep.Summary.Total)},
		{"Present", strconv.Itoa(rep.Summary.Present)},
		{"Absent", strconv.Itoa(rep.Summary.Absent)},
		{},
		{"Enrollment", "Status"},
	}
	for _, rec := range head {
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	for _, row := range rep.Rows {
		if err := w.Write([]string{row.Enrollment, row.Status.String()}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
