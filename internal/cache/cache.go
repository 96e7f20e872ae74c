// Package cache resolves scrape identifiers to accessions and records
// per-user report activity on top of the local database.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TobiSchelling/RegNumbers/internal/database"
)

// ErrNotResolvable is returned when the detail lookup yields no accession.
var ErrNotResolvable = errors.New("identifier not resolvable")

// DetailFetcher performs the single detail sub-request that maps a scrape
// identifier to its accession. An empty accession with a nil error means the
// site had nothing for the identifier.
type DetailFetcher interface {
	Detail(ctx context.Context, identifier string) (string, error)
}

// Cache is the single writer for the accession cache. All mutations go
// through its mutex.
type Cache struct {
	db  *database.DB
	log zerolog.Logger

	mu sync.Mutex
}

// New wraps db.
func New(db *database.DB, logger zerolog.Logger) *Cache {
	return &Cache{
		db:  db,
		log: logger.With().Str("component", "cache").Logger(),
	}
}

// Run is the cache as seen by one scrape. It remembers resolved and failed
// identifiers until the scrape ends; only successful mappings outlive it.
type Run struct {
	c *Cache

	mu         sync.Mutex
	resolved   map[string]string
	unresolved map[string]struct{}
}

// NewRun starts a run with an empty memo.
func (c *Cache) NewRun() *Run {
	return &Run{
		c:          c,
		resolved:   make(map[string]string),
		unresolved: make(map[string]struct{}),
	}
}

// ResolveOrFetch returns the accession for identifier, fetching and storing
// it on first sight. Each identifier is fetched at most once per Run.
func (r *Run) ResolveOrFetch(ctx context.Context, identifier string, fetcher DetailFetcher) (string, bool, error) {
	r.mu.Lock()
	if acc, ok := r.resolved[identifier]; ok {
		r.mu.Unlock()
		return acc, false, nil
	}
	if _, ok := r.unresolved[identifier]; ok {
		r.mu.Unlock()
		return "", false, ErrNotResolvable
	}
	r.mu.Unlock()

	entry, err := r.c.db.LookupIdentifier(identifier)
	if err != nil {
		return "", false, fmt.Errorf("looking up identifier: %w", err)
	}
	if entry != nil {
		r.remember(identifier, entry.Accession)
		return entry.Accession, false, nil
	}

	acc, err := fetcher.Detail(ctx, identifier)
	if err != nil {
		r.markUnresolved(identifier)
		return "", true, fmt.Errorf("%w: %s: %v", ErrNotResolvable, identifier, err)
	}
	if acc == "" {
		r.markUnresolved(identifier)
		return "", true, fmt.Errorf("%w: %s: empty detail", ErrNotResolvable, identifier)
	}

	r.c.mu.Lock()
	err = r.c.db.SaveIdentifier(acc, identifier)
	r.c.mu.Unlock()
	if err != nil {
		return "", true, err
	}
	r.remember(identifier, acc)
	return acc, true, nil
}

// UpsertReport writes through to the shared cache.
func (r *Run) UpsertReport(userID, accession string, kind database.ReportKind, ts time.Time) (bool, error) {
	return r.c.UpsertReport(userID, accession, kind, ts)
}

func (r *Run) remember(identifier, accession string) {
	r.mu.Lock()
	r.resolved[identifier] = accession
	r.mu.Unlock()
}

func (r *Run) markUnresolved(identifier string) {
	r.mu.Lock()
	r.unresolved[identifier] = struct{}{}
	r.mu.Unlock()
	r.c.log.Warn().Str("identifier", identifier).Msg("Could not resolve scrape identifier")
}

// UpsertReport records ts for (user, accession, kind), keeping the earliest.
func (c *Cache) UpsertReport(userID, accession string, kind database.ReportKind, ts time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.UpsertReport(userID, accession, kind, ts)
}

// SaveReportID records the secondary-service report id for an accession.
func (c *Cache) SaveReportID(accession string, reportID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.SaveReportID(accession, reportID)
}

// Events returns the user's cached records whose effective timestamp falls in [from, to).
func (c *Cache) Events(userID string, from, to time.Time) ([]database.ReportRecord, error) {
	return c.db.GetReports(userID, from, to)
}

// Watermark returns the latest cached timestamp of kind for the user.
func (c *Cache) Watermark(userID string, kind database.ReportKind) (time.Time, bool, error) {
	return c.db.LatestReport(userID, kind)
}
