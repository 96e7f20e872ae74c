package powerscribe

import (
	"context"
	"iter"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/RegNumbers/internal/database"
)

// Service is the subset of Client the Syncer needs.
type Service interface {
	SignIn(ctx context.Context) (Session, error)
	SignOut(ctx context.Context, s Session) error
	ListCompletedOrders(ctx context.Context, s Session, accountID int64, from, to time.Time) iter.Seq2[OrderRef, error]
	GetOverread(ctx context.Context, s Session, reportID int64) (time.Time, bool, error)
}

// Store is the part of the accession cache the Syncer writes to.
type Store interface {
	SaveReportID(accession string, reportID int64) error
	UpsertReport(userID, accession string, kind database.ReportKind, ts time.Time) (bool, error)
}

// SyncResult summarises one overread sync.
type SyncResult struct {
	Orders    int
	Overreads int
	Upserted  int
}

// Syncer records a user's overread reports in the accession cache.
type Syncer struct {
	service     Service
	store       Store
	concurrency int
	log         zerolog.Logger
}

// NewSyncer creates a syncer running at most concurrency report lookups at
// once. Zero means no limit.
func NewSyncer(service Service, store Store, concurrency int, logger zerolog.Logger) *Syncer {
	return &Syncer{
		service:     service,
		store:       store,
		concurrency: concurrency,
		log:         logger.With().Str("component", "powerscribe").Logger(),
	}
}

// Sync signs in, checks every completed order of accountID in [from, to]
// for an overread, and signs out. The first lookup error cancels the rest.
func (s *Syncer) Sync(ctx context.Context, userID string, accountID int64, from, to time.Time) (*SyncResult, error) {
	res := &SyncResult{}
	log := s.log.With().Str("user", userID).Logger()

	session, err := s.service.SignIn(ctx)
	if err != nil {
		return res, err
	}
	defer func() {
		if err := s.service.SignOut(context.WithoutCancel(ctx), session); err != nil {
			log.Warn().Err(err).Msg("Sign out failed")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}

	var overreads, upserted atomic.Int64
	for order, err := range s.service.ListCompletedOrders(gctx, session, accountID, from, to) {
		if err != nil {
			g.Go(func() error { return err })
			break
		}
		if gctx.Err() != nil {
			break
		}
		res.Orders++
		g.Go(func() error {
			if err := s.store.SaveReportID(order.Accession, order.ReportID); err != nil {
				return err
			}
			ts, ok, err := s.service.GetOverread(gctx, session, order.ReportID)
			if err != nil || !ok {
				return err
			}
			overreads.Add(1)
			changed, err := s.store.UpsertReport(userID, order.Accession, database.KindOverread, ts)
			if err != nil {
				return err
			}
			if changed {
				upserted.Add(1)
			}
			return nil
		})
	}

	err = g.Wait()
	res.Overreads = int(overreads.Load())
	res.Upserted = int(upserted.Load())
	if err != nil {
		return res, err
	}

	log.Info().
		Int("orders", res.Orders).
		Int("overreads", res.Overreads).
		Int("upserted", res.Upserted).
		Msg("Overread sync complete")
	return res, nil
}
