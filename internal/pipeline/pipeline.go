// Package pipeline drives a user's refresh and report: it advances the cached
// activity from each user's watermark, then reconciles and classifies the
// requested window.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TobiSchelling/RegNumbers/internal/audit"
	"github.com/TobiSchelling/RegNumbers/internal/database"
	"github.com/TobiSchelling/RegNumbers/internal/powerscribe"
	"github.com/TobiSchelling/RegNumbers/internal/reconcile"
)

var (
	// ErrUnknownUser is returned when no user has the requested RIS code.
	ErrUnknownUser = errors.New("unknown user")
	// ErrNoData is returned when a report window reconciles to no rows.
	ErrNoData = errors.New("no data")
)

const (
	impressionLookbackYears = 10
	overreadLookbackYears   = 2
)

// AuditSource scrapes a user's impressions into the cache.
type AuditSource interface {
	Scrape(ctx context.Context, q audit.Query) (*audit.Result, error)
}

// OverreadSource syncs a user's overreads into the cache.
type OverreadSource interface {
	Sync(ctx context.Context, userID string, accountID int64, from, to time.Time) (*powerscribe.SyncResult, error)
}

// EventSource reconciles a user's activity over whole days.
type EventSource interface {
	Reconcile(ctx context.Context, user database.User, from, to time.Time) ([]reconcile.Event, error)
}

// Classifier estimates the body parts covered by a free-text description.
type Classifier interface {
	Count(description string) int
}

// Watermarks reads the latest cached timestamp per user and kind.
type Watermarks interface {
	Watermark(userID string, kind database.ReportKind) (time.Time, bool, error)
}

// Sources are the collaborators a Pipeline drives. Overreads may be nil.
type Sources struct {
	Audit      AuditSource
	Overreads  OverreadSource
	Events     EventSource
	Classifier Classifier
	Watermarks Watermarks
}

// StepResult holds the result of a single refresh step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of one user's refresh.
type Result struct {
	RunID       string
	User        database.User
	Steps       []StepResult
	Impressions int
	Overreads   int
}

// Err returns the first step error.
func (r *Result) Err() error {
	for _, s := range r.Steps {
		if s.Err != nil {
			return fmt.Errorf("%s: %w", s.Name, s.Err)
		}
	}
	return nil
}

// Row is one reconciled event with its estimated body-part count.
type Row struct {
	reconcile.Event
	Parts int `json:"exam_parts"`
}

// ModalityCount aggregates the rows of one modality.
type ModalityCount struct {
	Modality string `json:"modality"`
	Exams    int    `json:"exams"`
	Parts    int    `json:"parts"`
}

// Summary holds the report aggregates. ByModality ends with an "All" row.
type Summary struct {
	ByModality []ModalityCount `json:"by_modality"`
	ByAction   map[string]int  `json:"by_action"`
	Total      int             `json:"total"`
}

// Report is a user's classified activity over [From, To].
type Report struct {
	User    database.User `json:"user"`
	From    string        `json:"from"`
	To      string        `json:"to"`
	Rows    []Row         `json:"rows"`
	Summary Summary       `json:"summary"`
}

// Pipeline orchestrates refreshes and reports.
type Pipeline struct {
	db  *database.DB
	src Sources
	loc *time.Location
	log zerolog.Logger
	now func() time.Time
}

// New creates a new pipeline.
func New(db *database.DB, src Sources, loc *time.Location, logger zerolog.Logger) *Pipeline {
	if loc == nil {
		loc = time.Local
	}
	return &Pipeline{
		db:  db,
		src: src,
		loc: loc,
		log: logger.With().Str("component", "pipeline").Logger(),
		now: time.Now,
	}
}

// Location returns the site timezone report dates are read in.
func (p *Pipeline) Location() *time.Location {
	return p.loc
}

// Users returns the tracked users.
func (p *Pipeline) Users(activeOnly bool) ([]database.User, error) {
	return p.db.GetUsers(activeOnly)
}

// Watermark returns where the next refresh of kind starts for the user: the
// latest cached timestamp, or the kind's lookback from now when none exists.
func (p *Pipeline) Watermark(user database.User, kind database.ReportKind) (time.Time, error) {
	years := impressionLookbackYears
	if kind == database.KindOverread {
		years = overreadLookbackYears
	}
	floor := p.now().In(p.loc).AddDate(-years, 0, 0)

	ts, ok, err := p.src.Watermarks.Watermark(user.RISCode, kind)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading %s watermark: %w", kind, err)
	}
	if !ok || ts.Before(floor) {
		return floor, nil
	}
	return ts.In(p.loc), nil
}

// Refresh brings the user's cached activity up to now. Overreads are synced
// first for users with a secondary account; a failed step ends the run.
func (p *Pipeline) Refresh(ctx context.Context, user database.User) *Result {
	r := &Result{RunID: uuid.NewString(), User: user}
	log := p.log.With().Str("run_id", r.RunID).Str("user", user.RISCode).Logger()

	runID, err := p.db.StartRun(r.RunID, user.RISCode)
	if err != nil {
		log.Warn().Err(err).Msg("Could not record run start")
	}
	defer func() {
		if runID == 0 {
			return
		}
		var msg *string
		if err := r.Err(); err != nil {
			s := err.Error()
			msg = &s
		}
		if err := p.db.FinishRun(runID, r.Impressions, r.Overreads, msg); err != nil {
			log.Warn().Err(err).Msg("Could not record run finish")
		}
	}()

	now := p.now().In(p.loc)

	if p.src.Overreads != nil && user.HasSecondaryAccount() {
		step := p.runOverreads(ctx, user, now, r)
		r.Steps = append(r.Steps, step)
		if step.Err != nil {
			log.Error().Err(step.Err).Msg("Overread sync failed")
			return r
		}
	}

	step := p.runScrape(ctx, user, now, r)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		log.Error().Err(step.Err).Msg("Audit scrape failed")
		return r
	}

	log.Info().Int("impressions", r.Impressions).Int("overreads", r.Overreads).Msg("Refresh complete")
	return r
}

func (p *Pipeline) runOverreads(ctx context.Context, user database.User, now time.Time, r *Result) StepResult {
	from, err := p.Watermark(user, database.KindOverread)
	if err != nil {
		return StepResult{Name: "Overreads", Err: err}
	}
	p.log.Debug().Str("user", user.RISCode).Time("from", from).Msg("Syncing overreads")
	res, err := p.src.Overreads.Sync(ctx, user.RISCode, *user.PS360AccountID, from, now)
	if res != nil {
		r.Overreads = res.Upserted
	}
	if err != nil {
		return StepResult{Name: "Overreads", Err: err}
	}
	return StepResult{
		Name:    "Overreads",
		Summary: fmt.Sprintf("Checked %d orders, %d overread, %d updated", res.Orders, res.Overreads, res.Upserted),
	}
}

func (p *Pipeline) runScrape(ctx context.Context, user database.User, now time.Time, r *Result) StepResult {
	from, err := p.Watermark(user, database.KindImpression)
	if err != nil {
		return StepResult{Name: "Impressions", Err: err}
	}
	p.log.Debug().Str("user", user.RISCode).Time("from", from).Msg("Scraping impressions")
	res, err := p.src.Audit.Scrape(ctx, audit.Query{
		UserID:   user.RISCode,
		Username: user.PACSUsername,
		From:     from,
		To:       now,
	})
	if res != nil {
		r.Impressions = res.Upserted
	}
	if err != nil {
		return StepResult{Name: "Impressions", Err: err}
	}
	return StepResult{
		Name: "Impressions",
		Summary: fmt.Sprintf("Read %d rows over %d pages, %d updated, %d unresolved",
			res.Rows, res.Pages, res.Upserted, res.Unresolved),
	}
}

// ScrapeAll refreshes every active user in turn. A failed user is logged and
// the batch moves on.
func (p *Pipeline) ScrapeAll(ctx context.Context) ([]*Result, error) {
	users, err := p.db.GetUsers(true)
	if err != nil {
		return nil, err
	}
	results := make([]*Result, 0, len(users))
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, p.Refresh(ctx, u))
	}
	return results, nil
}

// Report refreshes the user's cache and builds the report for the whole
// days from..to.
func (p *Pipeline) Report(ctx context.Context, risCode string, from, to time.Time) (*Report, error) {
	user, err := p.lookupUser(risCode)
	if err != nil {
		return nil, err
	}
	if err := p.Refresh(ctx, *user).Err(); err != nil {
		return nil, err
	}
	return p.BuildReport(ctx, *user, from, to)
}

// CachedReport builds the report from what is already cached.
func (p *Pipeline) CachedReport(ctx context.Context, risCode string, from, to time.Time) (*Report, error) {
	user, err := p.lookupUser(risCode)
	if err != nil {
		return nil, err
	}
	return p.BuildReport(ctx, *user, from, to)
}

// BuildReport reconciles and classifies the window without refreshing.
func (p *Pipeline) BuildReport(ctx context.Context, user database.User, from, to time.Time) (*Report, error) {
	events, err := p.src.Events.Reconcile(ctx, user, from, to)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNoData
	}

	rows := make([]Row, len(events))
	for i, ev := range events {
		rows[i] = Row{Event: ev, Parts: p.parts(ev)}
	}
	return &Report{
		User:    user,
		From:    from.Format(DateLayout),
		To:      to.Format(DateLayout),
		Rows:    rows,
		Summary: summarise(rows),
	}, nil
}

func (p *Pipeline) lookupUser(risCode string) (*database.User, error) {
	user, err := p.db.GetUserByRIS(risCode)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, risCode)
	}
	return user, nil
}

// parts counts plain films from their description and everything else from
// the linked exams, never less than the number of exams or one.
func (p *Pipeline) parts(ev reconcile.Event) int {
	n := 1
	if ev.Modality == "XR" && p.src.Classifier != nil {
		n = p.src.Classifier.Count(ev.Description)
	}
	return max(n, len(ev.Exams))
}

func summarise(rows []Row) Summary {
	s := Summary{ByAction: make(map[string]int), Total: len(rows)}
	byModality := make(map[string]*ModalityCount)
	all := ModalityCount{Modality: "All"}
	for _, r := range rows {
		m, ok := byModality[r.Modality]
		if !ok {
			m = &ModalityCount{Modality: r.Modality}
			byModality[r.Modality] = m
		}
		m.Exams++
		m.Parts += r.Parts
		all.Exams++
		all.Parts += r.Parts
		s.ByAction[r.Action]++
	}
	for _, m := range byModality {
		s.ByModality = append(s.ByModality, *m)
	}
	sort.Slice(s.ByModality, func(i, j int) bool {
		return s.ByModality[i].Modality < s.ByModality[j].Modality
	})
	s.ByModality = append(s.ByModality, all)
	return s
}
