package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/TobiSchelling/RegNumbers/internal/bodyparts"
	"github.com/TobiSchelling/RegNumbers/internal/database"
	"github.com/TobiSchelling/RegNumbers/internal/pipeline"
	"github.com/TobiSchelling/RegNumbers/internal/reconcile"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type reportCall struct {
	ris      string
	from, to time.Time
}

type mockReporter struct {
	users   []database.User
	report  *pipeline.Report
	err     error
	calls   []reportCall
	results []*pipeline.Result
}

func (m *mockReporter) Users(bool) ([]database.User, error) { return m.users, nil }

func (m *mockReporter) Report(_ context.Context, ris string, from, to time.Time) (*pipeline.Report, error) {
	m.calls = append(m.calls, reportCall{ris, from, to})
	return m.report, m.err
}

func (m *mockReporter) ScrapeAll(context.Context) ([]*pipeline.Result, error) {
	return m.results, nil
}

type mockPinger struct{ err error }

func (m mockPinger) Ping(context.Context) error { return m.err }

func newTestServer(t *testing.T, rep *mockReporter) *Server {
	t.Helper()
	vocab, err := bodyparts.ParseVocabulary(bodyparts.DefaultVocabularyYAML)
	if err != nil {
		t.Fatal(err)
	}
	loc, _ := time.LoadLocation("Pacific/Auckland")
	return New(Options{
		DB:           openTestDB(t),
		Pipeline:     rep,
		RIS:          mockPinger{},
		Vocabulary:   vocab,
		Location:     loc,
		MaxRangeDays: 31,
		Logger:       zerolog.Nop(),
	})
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthRoute(t *testing.T) {
	srv := newTestServer(t, &mockReporter{})
	rec := do(srv, http.MethodGet, "/health", "")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "ok" || body["ris"] != "ok" {
		t.Errorf("unexpected health body %v", body)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestHealthRouteDegraded(t *testing.T) {
	srv := newTestServer(t, &mockReporter{})
	srv.opts.RIS = mockPinger{err: errors.New("connection refused")}

	rec := do(srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestUsersRoute(t *testing.T) {
	srv := newTestServer(t, &mockReporter{users: []database.User{
		{RISCode: "ABC", Name: "Smith, Anna (Y3)"},
	}})
	rec := do(srv, http.MethodGet, "/registrar_numbers/users", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ris":"ABC"`) {
		t.Errorf("expected user in body, got %s", rec.Body.String())
	}
}

func TestReportRoute(t *testing.T) {
	ts := time.Date(2025, 9, 21, 9, 0, 0, 0, time.UTC)
	rep := &mockReporter{report: &pipeline.Report{
		Rows: []pipeline.Row{{
			Event: reconcile.Event{Accession: "CA-1", ReportTimestamp: ts, Action: "Final", Modality: "XR"},
			Parts: 2,
		}},
		Summary: pipeline.Summary{Total: 1},
	}}
	srv := newTestServer(t, rep)

	rec := do(srv, http.MethodPost, "/registrar_numbers", `{"ris":"ABC","fromDate":"2025-09-01","toDate":"2025-09-30"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["status"] != "ok" {
		t.Errorf("expected ok status, got %v", body["status"])
	}
	if body["period"] != "Sep 01 - Sep 30, 2025" {
		t.Errorf("unexpected period %v", body["period"])
	}
	if !strings.Contains(rec.Body.String(), `"exam_parts":2`) {
		t.Errorf("expected exam_parts in rows, got %s", rec.Body.String())
	}

	if len(rep.calls) != 1 {
		t.Fatalf("expected one report call, got %d", len(rep.calls))
	}
	c := rep.calls[0]
	if c.ris != "ABC" || c.from.Day() != 1 || c.to.Day() != 30 || c.from.Location().String() != "Pacific/Auckland" {
		t.Errorf("unexpected report call %+v", c)
	}
}

func TestReportRouteValidation(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing ris", `{"fromDate":"2025-09-01","toDate":"2025-09-02"}`, "reportRequest.RIS"},
		{"bad date", `{"ris":"ABC","fromDate":"01/09/2025","toDate":"2025-09-02"}`, "reportRequest.FromDate"},
		{"reversed", `{"ris":"ABC","fromDate":"2025-09-10","toDate":"2025-09-02"}`, "reportRequest.ToDate"},
		{"too long", `{"ris":"ABC","fromDate":"2025-01-01","toDate":"2025-09-02"}`, "reportRequest.ToDate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := &mockReporter{}
			srv := newTestServer(t, rep)

			rec := do(srv, http.MethodPost, "/registrar_numbers", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			body := decode(t, rec)
			if body["error"] != "validation_failed" {
				t.Errorf("expected validation_failed, got %v", body["error"])
			}
			fields, _ := body["fields"].(map[string]any)
			if _, ok := fields[tt.field]; !ok {
				t.Errorf("expected error on %s, got %v", tt.field, fields)
			}
			if len(rep.calls) != 0 {
				t.Error("pipeline should not run for an invalid request")
			}
		})
	}
}

func TestReportRouteMalformedBody(t *testing.T) {
	srv := newTestServer(t, &mockReporter{})
	rec := do(srv, http.MethodPost, "/registrar_numbers", `{"ris":`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if decode(t, rec)["error"] != "invalid_request_body" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestReportRouteOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   int
		key    string
		expect string
	}{
		{"unknown user", pipeline.ErrUnknownUser, http.StatusNotFound, "error", "unknown_user"},
		{"no data", pipeline.ErrNoData, http.StatusOK, "status", "no_data"},
		{"transport", errors.New("login failed"), http.StatusBadGateway, "error", "upstream_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &mockReporter{err: tt.err})
			rec := do(srv, http.MethodPost, "/registrar_numbers", `{"ris":"ABC","fromDate":"2025-09-01","toDate":"2025-09-02"}`)
			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rec.Code)
			}
			if got := decode(t, rec)[tt.key]; got != tt.expect {
				t.Errorf("expected %s=%s, got %v", tt.key, tt.expect, got)
			}
		})
	}
}

func TestScrapeRoute(t *testing.T) {
	ok := &pipeline.Result{RunID: "r1", User: database.User{RISCode: "AAA"}, Impressions: 3}
	failed := &pipeline.Result{RunID: "r2", User: database.User{RISCode: "BBB"}, Steps: []pipeline.StepResult{
		{Name: "Impressions", Err: errors.New("login failed")},
	}}
	srv := newTestServer(t, &mockReporter{results: []*pipeline.Result{ok, failed}})

	rec := do(srv, http.MethodPost, "/registrar_numbers/scrape", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out []scrapeOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].Impressions != 3 || out[0].Error != "" {
		t.Errorf("unexpected outcomes %+v", out)
	}
	if !strings.Contains(out[1].Error, "login failed") {
		t.Errorf("expected failure recorded, got %+v", out[1])
	}
}

func TestLookupTableRoute(t *testing.T) {
	srv := newTestServer(t, &mockReporter{})
	rec := do(srv, http.MethodGet, "/lookup_table", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "WHOLE") {
		t.Errorf("expected vocabulary in body, got %s", rec.Body.String())
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	srv := newTestServer(t, &mockReporter{})
	srv.echo.GET("/panic", func(c echo.Context) error { panic("boom") })

	rec := do(srv, http.MethodGet, "/panic", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestRequestIDPreserved(t *testing.T) {
	srv := newTestServer(t, &mockReporter{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", got)
	}
}

type brokenWriter struct{ header http.Header }

func (w *brokenWriter) Header() http.Header       { return w.header }
func (w *brokenWriter) WriteHeader(int)           {}
func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestBindAndValidateReturnsWriteError(t *testing.T) {
	loc, _ := time.LoadLocation("Pacific/Auckland")
	v := newValidator(loc, 31)
	e := echo.New()

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"ris":`},
		{"invalid", `{"ris":"ABC"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/registrar_numbers", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			c := e.NewContext(req, &brokenWriter{header: http.Header{}})

			var out reportRequest
			ok, err := bindAndValidate(c, &out, v)
			if ok {
				t.Fatal("expected request to be rejected")
			}
			if err == nil || !strings.Contains(err.Error(), "connection reset") {
				t.Errorf("expected the response write error, got %v", err)
			}
		})
	}
}

func TestBindAndValidateAccepts(t *testing.T) {
	loc, _ := time.LoadLocation("Pacific/Auckland")
	req := httptest.NewRequest(http.MethodPost, "/registrar_numbers",
		strings.NewReader(`{"ris":"ABC","fromDate":"2025-09-01","toDate":"2025-09-02"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	var out reportRequest
	ok, err := bindAndValidate(c, &out, newValidator(loc, 31))
	if !ok || err != nil {
		t.Fatalf("expected valid request, got ok=%v err=%v", ok, err)
	}
	if out.RIS != "ABC" || rec.Body.Len() != 0 {
		t.Errorf("unexpected bind result %+v, body %q", out, rec.Body.String())
	}
}
