package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/TobiSchelling/RegNumbers/internal/cache"
	"github.com/TobiSchelling/RegNumbers/internal/database"
)

// State is the scraper's position in a session.
type State int

const (
	LoggedOut State = iota
	LoggingIn
	Paging
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged-out"
	case LoggingIn:
		return "logging-in"
	case Paging:
		return "paging"
	}
	return "unknown"
}

// Transport is the site session a Scraper drives.
type Transport interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	Search(ctx context.Context, q SearchQuery) (Page, error)
	NextPage(ctx context.Context) (Page, error)
	cache.DetailFetcher
}

// Store is the part of the accession cache the scraper writes to.
type Store interface {
	ResolveOrFetch(ctx context.Context, identifier string, fetcher cache.DetailFetcher) (string, bool, error)
	UpsertReport(userID, accession string, kind database.ReportKind, ts time.Time) (bool, error)
}

// actionKinds maps included action types to the cache column they feed.
var actionKinds = map[string]database.ReportKind{
	"AddEmergencyImpression": database.KindImpression,
}

// Query is one user's scrape window. From and To are whole days in site time.
type Query struct {
	UserID   string
	Username string
	From     time.Time
	To       time.Time
}

// Result summarises a scrape.
type Result struct {
	Pages      int
	Rows       int
	Skipped    int
	Fetched    int
	Unresolved int
	Upserted   int
}

// Scraper walks the audit trail for one user and records impressions.
type Scraper struct {
	transport Transport
	store     Store
	actions   []string
	log       zerolog.Logger
	state     State
}

// NewScraper creates a scraper that includes only the given action types.
func NewScraper(transport Transport, store Store, actions []string, logger zerolog.Logger) *Scraper {
	return &Scraper{
		transport: transport,
		store:     store,
		actions:   actions,
		log:       logger.With().Str("component", "audit").Logger(),
	}
}

// State returns the current session state.
func (s *Scraper) State() State {
	return s.state
}

// Scrape logs in, pages through every result for q, and logs out. Login,
// search and paging failures abort the scrape; unresolvable rows are skipped.
func (s *Scraper) Scrape(ctx context.Context, q Query) (res *Result, err error) {
	res = &Result{}
	log := s.log.With().Str("user", q.UserID).Logger()

	s.state = LoggingIn
	if err := s.transport.Login(ctx); err != nil {
		s.state = LoggedOut
		return res, err
	}
	defer func() {
		if lerr := s.transport.Logout(context.WithoutCancel(ctx)); lerr != nil {
			log.Warn().Err(lerr).Msg("Logout failed")
		}
		s.state = LoggedOut
	}()

	page, err := s.transport.Search(ctx, SearchQuery{
		Username: q.Username,
		From:     q.From,
		To:       q.To,
		Actions:  s.actions,
	})
	if err != nil {
		return res, err
	}
	s.state = Paging

	included := make(map[string]database.ReportKind, len(s.actions))
	for _, a := range s.actions {
		if kind, ok := actionKinds[a]; ok {
			included[a] = kind
		}
	}

	for {
		res.Pages++
		for _, row := range page.Rows() {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Rows++
			kind, ok := included[row.Action]
			if !ok {
				res.Skipped++
				continue
			}

			acc, fetched, err := s.store.ResolveOrFetch(ctx, row.Identifier, s.transport)
			if fetched {
				res.Fetched++
			}
			if errors.Is(err, cache.ErrNotResolvable) {
				res.Unresolved++
				continue
			}
			if err != nil {
				return res, err
			}

			changed, err := s.store.UpsertReport(q.UserID, acc, kind, row.Timestamp)
			if err != nil {
				return res, fmt.Errorf("recording %s: %w", acc, err)
			}
			if changed {
				res.Upserted++
			}
		}

		if !page.HasNextPage() {
			break
		}
		log.Debug().Int("page", res.Pages).Int("rows", res.Rows).Msg("Fetching next audit page")
		if page, err = s.transport.NextPage(ctx); err != nil {
			return res, err
		}
	}

	log.Info().
		Int("pages", res.Pages).
		Int("rows", res.Rows).
		Int("fetched", res.Fetched).
		Int("unresolved", res.Unresolved).
		Int("upserted", res.Upserted).
		Msg("Audit scrape complete")
	return res, nil
}
