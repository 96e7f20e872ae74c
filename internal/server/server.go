// Package server exposes reports and batch refreshes over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/TobiSchelling/RegNumbers/internal/bodyparts"
	"github.com/TobiSchelling/RegNumbers/internal/database"
	"github.com/TobiSchelling/RegNumbers/internal/pipeline"
)

// Reporter is the pipeline surface the server calls.
type Reporter interface {
	Users(activeOnly bool) ([]database.User, error)
	Report(ctx context.Context, risCode string, from, to time.Time) (*pipeline.Report, error)
	ScrapeAll(ctx context.Context) ([]*pipeline.Result, error)
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	DB           *database.DB
	Pipeline     Reporter
	RIS          Pinger
	Vocabulary   *bodyparts.Vocabulary
	Location     *time.Location
	MaxRangeDays int
	Logger       zerolog.Logger
}

// Server is the HTTP server for registrar numbers.
type Server struct {
	opts     Options
	echo     *echo.Echo
	validate *validatorv10.Validate
	log      zerolog.Logger
}

// New creates a new Server.
func New(opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	s := &Server{
		opts:     opts,
		echo:     echo.New(),
		validate: newValidator(opts.Location, opts.MaxRangeDays),
		log:      opts.Logger.With().Str("component", "server").Logger(),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(Recovery(s.log))
	s.echo.Use(RequestID())
	s.echo.Use(Logger(s.log))
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) routes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/registrar_numbers/users", s.handleUsers)
	s.echo.POST("/registrar_numbers", s.handleReport)
	s.echo.POST("/registrar_numbers/scrape", s.handleScrape)
	s.echo.GET("/lookup_table", s.handleLookupTable)
}

func (s *Server) handleHealth(c echo.Context) error {
	status := http.StatusOK
	body := map[string]string{"status": "ok", "cache": "ok"}

	if err := s.opts.DB.Ping(); err != nil {
		status = http.StatusServiceUnavailable
		body["status"], body["cache"] = "degraded", err.Error()
	}
	if s.opts.RIS != nil {
		body["ris"] = "ok"
		if err := s.opts.RIS.Ping(c.Request().Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"], body["ris"] = "degraded", err.Error()
		}
	}
	return c.JSON(status, body)
}

type userEntry struct {
	RIS  string `json:"ris"`
	Name string `json:"name"`
}

func (s *Server) handleUsers(c echo.Context) error {
	users, err := s.opts.Pipeline.Users(true)
	if err != nil {
		return err
	}
	out := make([]userEntry, len(users))
	for i, u := range users {
		out[i] = userEntry{RIS: u.RISCode, Name: u.Name}
	}
	return c.JSON(http.StatusOK, out)
}

type reportResponse struct {
	Status  string            `json:"status"`
	Period  string            `json:"period,omitempty"`
	Rows    []pipeline.Row    `json:"rows,omitempty"`
	Summary *pipeline.Summary `json:"summary,omitempty"`
}

func (s *Server) handleReport(c echo.Context) error {
	var req reportRequest
	if ok, err := bindAndValidate(c, &req, s.validate); !ok {
		return err
	}

	// Dates were checked by the validator.
	from, _ := pipeline.ParseDate(req.FromDate, s.opts.Location)
	to, _ := pipeline.ParseDate(req.ToDate, s.opts.Location)

	s.log.Info().Str("user", req.RIS).Str("from", req.FromDate).Str("to", req.ToDate).Msg("Generating registrar numbers")
	rep, err := s.opts.Pipeline.Report(c.Request().Context(), req.RIS, from, to)
	switch {
	case errors.Is(err, pipeline.ErrUnknownUser):
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "unknown_user",
			"msg":   err.Error(),
		})
	case errors.Is(err, pipeline.ErrNoData):
		return c.JSON(http.StatusOK, reportResponse{Status: "no_data"})
	case err != nil:
		s.log.Error().Err(err).Str("user", req.RIS).Msg("Report failed")
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream_failed",
			"msg":   err.Error(),
		})
	}

	return c.JSON(http.StatusOK, reportResponse{
		Status:  "ok",
		Period:  pipeline.FormatPeriodDisplay(from, to),
		Rows:    rep.Rows,
		Summary: &rep.Summary,
	})
}

type scrapeOutcome struct {
	RIS         string `json:"ris"`
	RunID       string `json:"run_id"`
	Impressions int    `json:"impressions"`
	Overreads   int    `json:"overreads"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleScrape(c echo.Context) error {
	results, err := s.opts.Pipeline.ScrapeAll(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]scrapeOutcome, len(results))
	for i, r := range results {
		out[i] = scrapeOutcome{
			RIS:         r.User.RISCode,
			RunID:       r.RunID,
			Impressions: r.Impressions,
			Overreads:   r.Overreads,
		}
		if err := r.Err(); err != nil {
			out[i].Error = err.Error()
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleLookupTable(c echo.Context) error {
	if s.opts.Vocabulary == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no vocabulary loaded")
	}
	return c.JSON(http.StatusOK, s.opts.Vocabulary)
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("starting server")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}
