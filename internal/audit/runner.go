package audit

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/TobiSchelling/RegNumbers/internal/cache"
)

// RunStore hands out the per-scrape view of the cache.
type RunStore interface {
	NewRun() *cache.Run
}

// Runner starts a fresh site session and a fresh cache run for every scrape,
// so concurrent scrapes never share cookies and a failed lookup is retried
// on the next scrape.
type Runner struct {
	cfg     ClientConfig
	store   RunStore
	actions []string
	log     zerolog.Logger
}

// NewRunner creates a runner for the given site settings.
func NewRunner(cfg ClientConfig, store RunStore, actions []string, logger zerolog.Logger) *Runner {
	return &Runner{cfg: cfg, store: store, actions: actions, log: logger}
}

// Scrape runs one scrape on a new client.
func (r *Runner) Scrape(ctx context.Context, q Query) (*Result, error) {
	client, err := NewClient(r.cfg, r.log)
	if err != nil {
		return nil, err
	}
	return NewScraper(client, r.store.NewRun(), r.actions, r.log).Scrape(ctx, q)
}
