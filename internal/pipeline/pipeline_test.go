package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/TobiSchelling/RegNumbers/internal/audit"
	"github.com/TobiSchelling/RegNumbers/internal/cache"
	"github.com/TobiSchelling/RegNumbers/internal/database"
	"github.com/TobiSchelling/RegNumbers/internal/powerscribe"
	"github.com/TobiSchelling/RegNumbers/internal/reconcile"
)

var auckland = mustLoad("Pacific/Auckland")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func ptr[T any](v T) *T { return &v }

// mockAudit records queries and writes one impression per scrape.
type mockAudit struct {
	store   *cache.Cache
	queries []audit.Query
	hits    map[string]time.Time
	err     error
}

func (m *mockAudit) Scrape(_ context.Context, q audit.Query) (*audit.Result, error) {
	m.queries = append(m.queries, q)
	if m.err != nil {
		return &audit.Result{}, m.err
	}
	res := &audit.Result{Pages: 1}
	for acc, ts := range m.hits {
		res.Rows++
		changed, err := m.store.UpsertReport(q.UserID, acc, database.KindImpression, ts)
		if err != nil {
			return res, err
		}
		if changed {
			res.Upserted++
		}
	}
	return res, nil
}

type syncCall struct {
	userID    string
	accountID int64
	from, to  time.Time
}

type mockOverreads struct {
	calls []syncCall
	err   error
}

func (m *mockOverreads) Sync(_ context.Context, userID string, accountID int64, from, to time.Time) (*powerscribe.SyncResult, error) {
	m.calls = append(m.calls, syncCall{userID, accountID, from, to})
	if m.err != nil {
		return &powerscribe.SyncResult{}, m.err
	}
	return &powerscribe.SyncResult{Orders: 3, Overreads: 1, Upserted: 1}, nil
}

type mockEvents struct {
	events []reconcile.Event
	err    error
}

func (m *mockEvents) Reconcile(context.Context, database.User, time.Time, time.Time) ([]reconcile.Event, error) {
	return m.events, m.err
}

type mockClassifier map[string]int

func (m mockClassifier) Count(description string) int {
	if n, ok := m[description]; ok {
		return n
	}
	return 1
}

type fixture struct {
	db        *database.DB
	cache     *cache.Cache
	audit     *mockAudit
	overreads *mockOverreads
	events    *mockEvents
	p         *Pipeline
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	c := cache.New(db, zerolog.Nop())
	f := &fixture{
		db:        db,
		cache:     c,
		audit:     &mockAudit{store: c},
		overreads: &mockOverreads{},
		events:    &mockEvents{},
		now:       time.Date(2025, 9, 22, 15, 0, 0, 0, auckland),
	}
	f.p = New(db, Sources{
		Audit:      f.audit,
		Overreads:  f.overreads,
		Events:     f.events,
		Classifier: mockClassifier{"BOTH KNEES": 2, "WHOLE SPINE": 3},
		Watermarks: c,
	}, auckland, zerolog.Nop())
	f.p.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) addUser(t *testing.T, ris string, account *int64) database.User {
	t.Helper()
	if _, err := f.db.InsertUser(ris, strings.ToLower(ris)+".pacs", "Dr "+ris, account); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	u, err := f.db.GetUserByRIS(ris)
	if err != nil || u == nil {
		t.Fatalf("get user: %v", err)
	}
	return *u
}

func TestWatermarkDefaultsAndAdvances(t *testing.T) {
	f := newFixture(t)
	user := f.addUser(t, "ABC", nil)

	wm, err := f.p.Watermark(user, database.KindImpression)
	if err != nil {
		t.Fatal(err)
	}
	if want := f.now.AddDate(-10, 0, 0); !wm.Equal(want) {
		t.Errorf("expected empty-cache watermark %v, got %v", want, wm)
	}

	hit := time.Date(2025, 9, 21, 9, 16, 41, 0, auckland)
	f.audit.hits = map[string]time.Time{"CA-1": hit}
	if err := f.p.Refresh(context.Background(), user).Err(); err != nil {
		t.Fatal(err)
	}

	wm, err = f.p.Watermark(user, database.KindImpression)
	if err != nil {
		t.Fatal(err)
	}
	if !wm.Equal(hit) {
		t.Errorf("expected watermark %v after scrape, got %v", hit, wm)
	}

	f.p.Refresh(context.Background(), user)
	if got := f.audit.queries[1].From; !got.Equal(hit) {
		t.Errorf("second scrape should start at the watermark, got %v", got)
	}
}

func TestOverreadWatermarkLookback(t *testing.T) {
	f := newFixture(t)
	user := f.addUser(t, "ABC", ptr(int64(42)))

	wm, err := f.p.Watermark(user, database.KindOverread)
	if err != nil {
		t.Fatal(err)
	}
	if want := f.now.AddDate(-2, 0, 0); !wm.Equal(want) {
		t.Errorf("expected overread watermark %v, got %v", want, wm)
	}
}

func TestRefreshRunsOverreadsFirst(t *testing.T) {
	f := newFixture(t)
	user := f.addUser(t, "ABC", ptr(int64(42)))

	r := f.p.Refresh(context.Background(), user)
	if err := r.Err(); err != nil {
		t.Fatal(err)
	}
	if len(r.Steps) != 2 || r.Steps[0].Name != "Overreads" || r.Steps[1].Name != "Impressions" {
		t.Fatalf("unexpected steps %+v", r.Steps)
	}
	if len(f.overreads.calls) != 1 || f.overreads.calls[0].accountID != 42 {
		t.Errorf("unexpected sync calls %+v", f.overreads.calls)
	}
	if !f.overreads.calls[0].to.Equal(f.now) {
		t.Errorf("sync should run up to now, got %v", f.overreads.calls[0].to)
	}
	if r.Overreads != 1 {
		t.Errorf("expected 1 overread, got %d", r.Overreads)
	}
	if q := f.audit.queries[0]; q.UserID != "ABC" || q.Username != "abc.pacs" {
		t.Errorf("unexpected audit query %+v", q)
	}
}

func TestRefreshSkipsOverreadsWithoutAccount(t *testing.T) {
	f := newFixture(t)
	user := f.addUser(t, "ABC", nil)

	r := f.p.Refresh(context.Background(), user)
	if len(f.overreads.calls) != 0 {
		t.Error("overread sync should not run without a secondary account")
	}
	if len(r.Steps) != 1 {
		t.Errorf("expected only the scrape step, got %+v", r.Steps)
	}
}

func TestRefreshStopsOnOverreadFailure(t *testing.T) {
	f := newFixture(t)
	user := f.addUser(t, "ABC", ptr(int64(42)))
	f.overreads.err = errors.New("soap fault")

	r := f.p.Refresh(context.Background(), user)
	if r.Err() == nil {
		t.Fatal("expected refresh error")
	}
	if len(f.audit.queries) != 0 {
		t.Error("scrape should not run after a failed sync")
	}

	runs, err := f.db.GetRecentRuns(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Error == nil || !strings.Contains(*runs[0].Error, "soap fault") {
		t.Errorf("expected failed run to be logged, got %+v", runs)
	}
	if runs[0].RunID != r.RunID {
		t.Errorf("logged run id %q does not match %q", runs[0].RunID, r.RunID)
	}
}

func TestScrapeAllContinuesAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "AAA", nil)
	f.addUser(t, "BBB", nil)
	inactive := f.addUser(t, "CCC", nil)
	if err := f.db.ToggleUser(inactive.ID); err != nil {
		t.Fatal(err)
	}
	f.audit.err = errors.New("login failed")

	results, err := f.p.ScrapeAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 active users refreshed, got %d", len(results))
	}
	for _, r := range results {
		if r.Err() == nil {
			t.Errorf("expected error for %s", r.User.RISCode)
		}
	}
}

func TestReportUnknownUser(t *testing.T) {
	f := newFixture(t)
	from := time.Date(2025, 9, 1, 0, 0, 0, 0, auckland)
	_, err := f.p.Report(context.Background(), "NOPE", from, from)
	if !errors.Is(err, ErrUnknownUser) {
		t.Errorf("expected ErrUnknownUser, got %v", err)
	}
}

func TestReportNoData(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "ABC", nil)
	from := time.Date(2025, 9, 1, 0, 0, 0, 0, auckland)

	_, err := f.p.Report(context.Background(), "ABC", from, from)
	if !errors.Is(err, ErrNoData) {
		t.Errorf("expected ErrNoData, got %v", err)
	}
	if len(f.audit.queries) != 1 {
		t.Error("report should refresh before reconciling")
	}
}

func TestReportPropagatesRefreshError(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "ABC", nil)
	f.audit.err = errors.New("page fetch failed")
	from := time.Date(2025, 9, 1, 0, 0, 0, 0, auckland)

	if _, err := f.p.Report(context.Background(), "ABC", from, from); err == nil {
		t.Error("expected refresh error to surface")
	}
}

func TestCachedReportPartsAndSummary(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "ABC", nil)
	ts := time.Date(2025, 9, 2, 10, 0, 0, 0, auckland)
	f.events.events = []reconcile.Event{
		{Accession: "CA-1", ReportTimestamp: ts, Action: "Final", Modality: "XR", Description: "BOTH KNEES", Exams: []string{"XR KNEE"}},
		{Accession: "CA-2", ReportTimestamp: ts, Action: "Prelim", Modality: "XR", Description: "CHEST", Exams: []string{"XR CHEST", "XR ABDO"}},
		{Accession: "CA-3", ReportTimestamp: ts, Action: "Impression", Modality: "CT", Description: "CT HEAD", Exams: []string{"CT HEAD", "CT CSPINE"}},
		{Accession: "CA-4", ReportTimestamp: ts, Action: "Final", Modality: "US", Description: "BOTH KNEES"},
	}
	from := time.Date(2025, 9, 1, 0, 0, 0, 0, auckland)
	to := time.Date(2025, 9, 30, 0, 0, 0, 0, auckland)

	rep, err := f.p.CachedReport(context.Background(), "ABC", from, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.audit.queries) != 0 {
		t.Error("cached report should not scrape")
	}

	wantParts := []int{2, 2, 2, 1}
	for i, want := range wantParts {
		if rep.Rows[i].Parts != want {
			t.Errorf("row %s: expected %d parts, got %d", rep.Rows[i].Accession, want, rep.Rows[i].Parts)
		}
	}

	if rep.From != "2025-09-01" || rep.To != "2025-09-30" {
		t.Errorf("unexpected report range %s..%s", rep.From, rep.To)
	}
	s := rep.Summary
	if s.Total != 4 {
		t.Errorf("expected total 4, got %d", s.Total)
	}
	if s.ByAction["Final"] != 2 || s.ByAction["Prelim"] != 1 || s.ByAction["Impression"] != 1 {
		t.Errorf("unexpected action counts %v", s.ByAction)
	}
	want := []ModalityCount{
		{Modality: "CT", Exams: 1, Parts: 2},
		{Modality: "US", Exams: 1, Parts: 1},
		{Modality: "XR", Exams: 2, Parts: 4},
		{Modality: "All", Exams: 4, Parts: 7},
	}
	if len(s.ByModality) != len(want) {
		t.Fatalf("unexpected modality summary %+v", s.ByModality)
	}
	for i := range want {
		if s.ByModality[i] != want[i] {
			t.Errorf("modality %d: expected %+v, got %+v", i, want[i], s.ByModality[i])
		}
	}
}

func TestParseRange(t *testing.T) {
	from, to, err := ParseRange("2025-09-01", "2025-09-30", auckland, 366)
	if err != nil {
		t.Fatal(err)
	}
	if from.Location() != auckland || to.Day() != 30 {
		t.Errorf("unexpected range %v..%v", from, to)
	}

	tests := []struct{ from, to string }{
		{"2025-09-30", "2025-09-01"},
		{"2025-9-1", "2025-09-30"},
		{"2024-01-01", "2025-09-30"},
	}
	for _, tt := range tests {
		if _, _, err := ParseRange(tt.from, tt.to, auckland, 366); err == nil {
			t.Errorf("expected error for %s..%s", tt.from, tt.to)
		}
	}
}

func TestDaysInRange(t *testing.T) {
	// Spans the daylight-saving change on 2025-09-28.
	from := time.Date(2025, 9, 27, 0, 0, 0, 0, auckland)
	to := time.Date(2025, 9, 29, 0, 0, 0, 0, auckland)
	if got := DaysInRange(from, to); got != 3 {
		t.Errorf("expected 3 days, got %d", got)
	}
	if got := DaysInRange(from, from); got != 1 {
		t.Errorf("expected 1 day, got %d", got)
	}
}

func TestFormatPeriodDisplay(t *testing.T) {
	d := func(y int, m time.Month, day int) time.Time { return time.Date(y, m, day, 0, 0, 0, 0, auckland) }
	tests := []struct {
		from, to time.Time
		want     string
	}{
		{d(2026, 2, 6), d(2026, 2, 6), "Feb 06, 2026"},
		{d(2026, 2, 1), d(2026, 2, 6), "Feb 01 - Feb 06, 2026"},
		{d(2025, 12, 29), d(2026, 1, 4), "Dec 29, 2025 - Jan 04, 2026"},
	}
	for _, tt := range tests {
		if got := FormatPeriodDisplay(tt.from, tt.to); got != tt.want {
			t.Errorf("FormatPeriodDisplay() = %q, want %q", got, tt.want)
		}
	}
}
