package ris

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeRows serves canned rows through the pgx.Rows interface.
type fakeRows struct {
	rows [][]any
	pos  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.pos-1], nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	if len(dest) != len(row) {
		return errors.New("column count mismatch")
	}
	for i, v := range row {
		target := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		target.Set(reflect.ValueOf(v))
	}
	return nil
}

type fakeDB struct {
	rows *fakeRows
	err  error
	sql  string
	args []any
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	f.sql = sql
	f.args = args
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func TestStaffEvents(t *testing.T) {
	ts := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	db := &fakeDB{rows: &fakeRows{rows: [][]any{
		{"CA-1", ActionFinal, ts},
		{"CA-2", ActionPrelim, ts.Add(time.Hour)},
	}}}
	store := NewStore(db, "Pacific/Auckland")

	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	events, err := store.StaffEvents(context.Background(), "ABC", from, to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 || events[0].Action != ActionFinal || !events[1].Timestamp.Equal(ts.Add(time.Hour)) {
		t.Errorf("unexpected events %+v", events)
	}

	want := []any{"ABC", "2025-03-01", "2025-03-31", "Pacific/Auckland"}
	if !reflect.DeepEqual(db.args, want) {
		t.Errorf("expected args %v, got %v", want, db.args)
	}
	if !strings.Contains(db.sql, "DISTINCT ON (ct_ce_serial)") {
		t.Error("expected one event per case")
	}
}

func TestStaffEventsQueryError(t *testing.T) {
	store := NewStore(&fakeDB{err: errors.New("connection refused")}, "UTC")
	if _, err := store.StaffEvents(context.Background(), "ABC", time.Now(), time.Now()); err == nil {
		t.Error("expected error")
	}
}

func TestOrders(t *testing.T) {
	age := int32(34)
	caseTS := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	db := &fakeDB{rows: &fakeRows{rows: [][]any{
		{"CA-1", "OD", []string{"XR Hand Left", "XR Wrist Left"}, "LEFT HAND AND WRIST", caseTS, &age},
		{"CA-2", "CT", []string{"CT Head"}, "CT HEAD", caseTS, nil},
	}}}
	store := NewStore(db, "Pacific/Auckland")

	orders, err := store.Orders(context.Background(), []string{"CA-1", "CA-2", "CA-3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	if orders[0].PatientAge == nil || *orders[0].PatientAge != 34 {
		t.Errorf("expected age 34, got %v", orders[0].PatientAge)
	}
	if orders[1].PatientAge != nil {
		t.Errorf("expected nil age, got %v", *orders[1].PatientAge)
	}
	if len(orders[0].Exams) != 2 {
		t.Errorf("expected 2 exams, got %v", orders[0].Exams)
	}
	if !strings.Contains(db.sql, "or_status != 'X'") {
		t.Error("expected cancelled orders to be excluded")
	}
}

func TestOrdersEmptyInput(t *testing.T) {
	db := &fakeDB{}
	orders, err := NewStore(db, "UTC").Orders(context.Background(), nil)
	if err != nil || orders != nil {
		t.Errorf("expected no query for empty input, got %v %v", orders, err)
	}
	if db.sql != "" {
		t.Error("expected no query to be issued")
	}
}
