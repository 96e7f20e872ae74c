// Package reconcile merges first-party RIS events with cached audit and
// overread activity into one accession-keyed timeline.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/TobiSchelling/RegNumbers/internal/database"
	"github.com/TobiSchelling/RegNumbers/internal/ris"
)

// Actions of a reconciled event. Final and Prelim come from the RIS;
// Overread and Impression from the cache.
const (
	ActionFinal      = ris.ActionFinal
	ActionPrelim     = ris.ActionPrelim
	ActionOverread   = "Overread"
	ActionImpression = "Impression"
)

// Event is one accession the user reported on, with its case context.
type Event struct {
	Accession       string    `json:"accession"`
	ReportTimestamp time.Time `json:"report_timestamp"`
	Action          string    `json:"action"`
	Modality        string    `json:"modality"`
	Exams           []string  `json:"exams"`
	Description     string    `json:"description"`
	CaseTimestamp   time.Time `json:"case_timestamp"`
	PatientAge      *int32    `json:"age"`
}

// FirstPartyStore is the RIS read interface.
type FirstPartyStore interface {
	StaffEvents(ctx context.Context, staffCode string, from, to time.Time) ([]ris.StaffEvent, error)
	Orders(ctx context.Context, accessions []string) ([]ris.Order, error)
}

// CacheReader reads the user's cached activity.
type CacheReader interface {
	Events(userID string, from, to time.Time) ([]database.ReportRecord, error)
}

// modalityRenames maps RIS modality codes onto reporting modalities.
var modalityRenames = map[string]string{
	"OD": "XR",
}

// Reconciler joins the two sources.
type Reconciler struct {
	ris   FirstPartyStore
	cache CacheReader
	loc   *time.Location
	log   zerolog.Logger
}

// New creates a reconciler. Day boundaries are taken in loc.
func New(firstParty FirstPartyStore, cache CacheReader, loc *time.Location, logger zerolog.Logger) *Reconciler {
	if loc == nil {
		loc = time.Local
	}
	return &Reconciler{
		ris:   firstParty,
		cache: cache,
		loc:   loc,
		log:   logger.With().Str("component", "reconcile").Logger(),
	}
}

type merged struct {
	fpAction string
	fpTime   time.Time
	cache    *database.ReportRecord
}

// Reconcile returns the user's events for the whole days from..to, sorted by
// report time. Accessions without a live order are dropped.
func (r *Reconciler) Reconcile(ctx context.Context, user database.User, from, to time.Time) ([]Event, error) {
	start := dayStart(from, r.loc)
	lastDay := dayStart(to, r.loc)
	end := lastDay.AddDate(0, 0, 1)

	staff, err := r.ris.StaffEvents(ctx, user.RISCode, start, lastDay)
	if err != nil {
		return nil, err
	}
	cached, err := r.cache.Events(user.RISCode, start, end)
	if err != nil {
		return nil, fmt.Errorf("reading cached events: %w", err)
	}

	byAccession := make(map[string]*merged)
	get := func(acc string) *merged {
		m, ok := byAccession[acc]
		if !ok {
			m = &merged{}
			byAccession[acc] = m
		}
		return m
	}
	for _, e := range staff {
		m := get(e.Accession)
		if prefer(e.Action, e.Timestamp, m.fpAction, m.fpTime) {
			m.fpAction, m.fpTime = e.Action, e.Timestamp
		}
	}
	for i := range cached {
		get(cached[i].Accession).cache = &cached[i]
	}

	accessions := make([]string, 0, len(byAccession))
	for acc := range byAccession {
		accessions = append(accessions, acc)
	}
	sort.Strings(accessions)

	orders, err := r.ris.Orders(ctx, accessions)
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(orders))
	seen := make(map[string]bool, len(orders))
	for _, o := range orders {
		m, ok := byAccession[o.Accession]
		if !ok || seen[o.Accession] {
			continue
		}
		seen[o.Accession] = true

		ev := Event{
			Accession:     o.Accession,
			Modality:      renameModality(o.Modality),
			Exams:         o.Exams,
			Description:   o.Description,
			CaseTimestamp: o.CaseTimestamp,
			PatientAge:    o.PatientAge,
		}
		switch {
		case m.fpAction != "":
			ev.Action, ev.ReportTimestamp = m.fpAction, m.fpTime
		case m.cache.OverreadAt != nil:
			ev.Action, ev.ReportTimestamp = ActionOverread, *m.cache.OverreadAt
		default:
			ev.Action, ev.ReportTimestamp = ActionImpression, m.cache.Timestamp()
		}
		events = append(events, ev)
	}

	if dropped := len(byAccession) - len(events); dropped > 0 {
		r.log.Debug().Str("user", user.RISCode).Int("dropped", dropped).Msg("Accessions without a live order")
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].ReportTimestamp.Equal(events[j].ReportTimestamp) {
			return events[i].ReportTimestamp.Before(events[j].ReportTimestamp)
		}
		return events[i].Accession < events[j].Accession
	})
	return events, nil
}

// prefer reports whether (action, ts) should replace (curAction, curTS):
// Final beats Prelim, then earlier beats later.
func prefer(action string, ts time.Time, curAction string, curTS time.Time) bool {
	if curAction == "" {
		return true
	}
	if action != curAction {
		return action == ActionFinal
	}
	return ts.Before(curTS)
}

func renameModality(m string) string {
	if r, ok := modalityRenames[m]; ok {
		return r
	}
	return m
}

// dayStart returns midnight in loc of t's calendar date.
func dayStart(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
