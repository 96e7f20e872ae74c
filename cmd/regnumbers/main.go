package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/RegNumbers/internal/audit"
	"github.com/TobiSchelling/RegNumbers/internal/bodyparts"
	"github.com/TobiSchelling/RegNumbers/internal/cache"
	"github.com/TobiSchelling/RegNumbers/internal/config"
	"github.com/TobiSchelling/RegNumbers/internal/database"
	"github.com/TobiSchelling/RegNumbers/internal/logging"
	"github.com/TobiSchelling/RegNumbers/internal/pipeline"
	"github.com/TobiSchelling/RegNumbers/internal/powerscribe"
	"github.com/TobiSchelling/RegNumbers/internal/reconcile"
	"github.com/TobiSchelling/RegNumbers/internal/ris"
	"github.com/TobiSchelling/RegNumbers/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     zerolog.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "regnumbers",
	Short:   "Registrar reporting numbers",
	Long:    "regnumbers reconciles registrar reporting activity from the RIS, the PACS audit trail and PowerScribe into per-user workload reports.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = logging.New("info", "console", os.Stderr)

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", path, err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger = logging.New(level, cfg.Logging.Format, os.Stderr)
		zlog.Logger = logger
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(scrapeCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(lookupTableCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("regnumbers", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/regnumbers/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to point at the audit site and PowerScribe, then export the credential variables it names.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache and recent scrape status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Cache: %s\n\n", db.Path())
		fmt.Println("Accessions:")
		fmt.Printf("  Known: %d\n", stats.Accessions)
		fmt.Printf("  Resolved audit identifiers: %d\n", stats.ResolvedIdentifiers)
		fmt.Printf("  PowerScribe reports: %d\n", stats.SecondaryReports)
		fmt.Println("\nActivity:")
		fmt.Printf("  Records: %d\n", stats.ReportRecords)
		fmt.Printf("  Impressions: %d\n", stats.Impressions)
		fmt.Printf("  Overreads: %d\n", stats.Overreads)
		fmt.Println("\nUsers:")
		fmt.Printf("  Total: %d\n", stats.TotalUsers)
		fmt.Printf("  Active: %d\n", stats.ActiveUsers)

		runs, err := db.GetRecentRuns(5)
		if err != nil {
			return err
		}
		fmt.Printf("\nScrape runs: %d\n", stats.ScrapeRuns)
		for _, r := range runs {
			outcome := "running"
			switch {
			case r.Error != nil:
				outcome = "failed: " + *r.Error
			case r.FinishedAt != nil:
				outcome = fmt.Sprintf("%d impressions, %d overreads", r.Impressions, r.Overreads)
			}
			fmt.Printf("  %s  %-6s %s\n", r.StartedAt, r.UserID, outcome)
		}
		return nil
	},
}

// --- scrape command ---

var scrapeUser string

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Advance the cached activity of every active user, or one with --user",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var results []*pipeline.Result
		if scrapeUser != "" {
			user, err := findUser(a.db, scrapeUser)
			if err != nil {
				return err
			}
			results = append(results, a.pipe.Refresh(ctx, *user))
		} else {
			results, err = a.pipe.ScrapeAll(ctx)
			if err != nil {
				return err
			}
		}

		failed := 0
		for _, r := range results {
			fmt.Printf("\n%s (%s)\n", r.User.Name, r.User.RISCode)
			for _, step := range r.Steps {
				if step.Err != nil {
					fmt.Printf("  %s: error: %v\n", step.Name, step.Err)
				} else {
					fmt.Printf("  %s: %s\n", step.Name, step.Summary)
				}
			}
			if r.Err() != nil {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d users failed", failed, len(results))
		}
		return nil
	},
}

func init() {
	scrapeCmd.Flags().StringVarP(&scrapeUser, "user", "u", "", "RIS code of a single user")
}

// --- report command ---

var (
	reportUser   string
	reportFrom   string
	reportTo     string
	reportFormat string
	reportCached bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a user's reporting numbers for a date range",
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := cfg.Location()
		if err != nil {
			return err
		}
		from, to, err := pipeline.ParseRange(reportFrom, reportTo, loc, cfg.Report.MaxRangeDays)
		if err != nil {
			return err
		}
		render, ok := renderers[reportFormat]
		if !ok {
			return fmt.Errorf("unknown format %q: expected table, csv or json", reportFormat)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var rep *pipeline.Report
		if reportCached {
			rep, err = a.pipe.CachedReport(ctx, reportUser, from, to)
		} else {
			rep, err = a.pipe.Report(ctx, reportUser, from, to)
		}
		if errors.Is(err, pipeline.ErrNoData) {
			fmt.Fprintf(os.Stderr, "No reports found for %s in %s.\n", reportUser, pipeline.FormatPeriodDisplay(from, to))
			return nil
		}
		if err != nil {
			return err
		}
		return render(os.Stdout, rep)
	},
}

func init() {
	reportCmd.Flags().StringVarP(&reportUser, "user", "u", "", "RIS code of the user")
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "First day (YYYY-MM-DD)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "Last day (YYYY-MM-DD)")
	reportCmd.Flags().StringVarP(&reportFormat, "format", "f", "table", "Output format: table, csv or json")
	reportCmd.Flags().BoolVar(&reportCached, "cached", false, "Skip the refresh and report from the cache")
	reportCmd.MarkFlagRequired("user")
	reportCmd.MarkFlagRequired("from")
	reportCmd.MarkFlagRequired("to")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		loc, _ := cfg.Location()

		srv := server.New(server.Options{
			DB:           a.db,
			Pipeline:     a.pipe,
			RIS:          a.pool,
			Vocabulary:   a.vocab,
			Location:     loc,
			MaxRangeDays: cfg.Report.MaxRangeDays,
			Logger:       logger,
		})
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return srv.Serve(ctx, fmt.Sprintf(":%d", port))
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// --- users command ---

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage tracked users",
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all users",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		users, err := db.GetUsers(false)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("No users defined. Add one with: regnumbers users add")
			return nil
		}
		return renderUsers(os.Stdout, users)
	},
}

var usersAddCmd = &cobra.Command{
	Use:   "add [ris] [pacs-username] [name] [powerscribe-account-id]",
	Short: "Add a user",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		var account *int64
		if len(args) == 4 {
			id, err := strconv.ParseInt(args[3], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid PowerScribe account ID: %s", args[3])
			}
			account = &id
		}

		ris := strings.ToUpper(args[0])
		id, err := db.InsertUser(ris, args[1], args[2], account)
		if err != nil {
			return err
		}
		fmt.Printf("Added user [%d]: %s (%s)\n", id, args[2], ris)
		return nil
	},
}

var usersRemoveCmd = &cobra.Command{
	Use:   "remove [ris]",
	Short: "Remove a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		user, err := findUser(db, args[0])
		if err != nil {
			return err
		}
		if err := db.DeleteUser(user.ID); err != nil {
			return err
		}
		fmt.Printf("Removed user %s (%s)\n", user.Name, user.RISCode)
		return nil
	},
}

var usersToggleCmd = &cobra.Command{
	Use:   "toggle [ris]",
	Short: "Toggle whether a user is included in batch scrapes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		user, err := findUser(db, args[0])
		if err != nil {
			return err
		}
		if err := db.ToggleUser(user.ID); err != nil {
			return err
		}
		newState := "disabled"
		if !user.Active {
			newState = "enabled"
		}
		fmt.Printf("User %s (%s): %s\n", user.Name, user.RISCode, newState)
		return nil
	},
}

var usersAccountCmd = &cobra.Command{
	Use:   "set-account [ris] [powerscribe-account-id|none]",
	Short: "Set or clear a user's PowerScribe account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		user, err := findUser(db, args[0])
		if err != nil {
			return err
		}
		var account *int64
		if args[1] != "none" {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid PowerScribe account ID: %s", args[1])
			}
			account = &id
		}
		if err := db.SetSecondaryAccount(user.ID, account); err != nil {
			return err
		}
		fmt.Printf("User %s (%s): PowerScribe account %s\n", user.Name, user.RISCode, args[1])
		return nil
	},
}

func init() {
	usersCmd.AddCommand(usersListCmd)
	usersCmd.AddCommand(usersAddCmd)
	usersCmd.AddCommand(usersRemoveCmd)
	usersCmd.AddCommand(usersToggleCmd)
	usersCmd.AddCommand(usersAccountCmd)
}

func findUser(db *database.DB, ris string) (*database.User, error) {
	user, err := db.GetUserByRIS(strings.ToUpper(ris))
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %s not found", ris)
	}
	return user, nil
}

// --- lookup-table command ---

var lookupTableCmd = &cobra.Command{
	Use:   "lookup-table",
	Short: "Print the body-part vocabulary used for plain-film descriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		vocab, err := bodyparts.LoadVocabulary(cfg.Classifier.VocabularyPath)
		if err != nil {
			return err
		}
		return renderVocabulary(os.Stdout, vocab)
	},
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(cfg.DBPath(), logger)
}

// app holds the wired pipeline and the resources it owns.
type app struct {
	db    *database.DB
	pool  *pgxpool.Pool
	pipe  *pipeline.Pipeline
	vocab *bodyparts.Vocabulary
}

func (a *app) Close() {
	a.pool.Close()
	a.db.Close()
}

func openApp(ctx context.Context) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	vocab, err := bodyparts.LoadVocabulary(cfg.Classifier.VocabularyPath)
	if err != nil {
		return nil, err
	}

	dbURL := config.Secret(cfg.RIS.DatabaseURLEnv)
	if dbURL == "" {
		return nil, fmt.Errorf("RIS database URL not set: export %s", cfg.RIS.DatabaseURLEnv)
	}
	pool, err := ris.NewPool(ctx, dbURL, cfg.RIS.MaxConns, cfg.RIS.MinConns)
	if err != nil {
		return nil, err
	}

	db, err := openDB()
	if err != nil {
		pool.Close()
		return nil, err
	}
	c := cache.New(db, logger)

	runner := audit.NewRunner(audit.ClientConfig{
		BaseURL:        cfg.Audit.BaseURL,
		Username:       config.Secret(cfg.Audit.UsernameEnv),
		Password:       config.Secret(cfg.Audit.PasswordEnv),
		PageSizeOption: cfg.Audit.PageSizeOption,
		Timeout:        cfg.Audit.Timeout,
		Location:       loc,
	}, c, cfg.Audit.Actions, logger)

	src := pipeline.Sources{
		Audit:      runner,
		Events:     reconcile.New(ris.NewStore(pool, cfg.Timezone), c, loc, logger),
		Classifier: bodyparts.New(vocab),
		Watermarks: c,
	}
	if cfg.PowerScribe.Enabled {
		client := powerscribe.NewClient(powerscribe.ClientConfig{
			BaseURL:     cfg.PowerScribe.BaseURL,
			Username:    config.Secret(cfg.PowerScribe.UsernameEnv),
			Password:    config.Secret(cfg.PowerScribe.PasswordEnv),
			Version:     cfg.PowerScribe.Version,
			Workstation: cfg.PowerScribe.Workstation,
			Locale:      cfg.PowerScribe.Locale,
			TimeZoneID:  cfg.PowerScribe.TimeZoneID,
			SiteID:      cfg.PowerScribe.SiteID,
			PageSize:    cfg.PowerScribe.PageSize,
			Timeout:     cfg.PowerScribe.Timeout,
			Location:    loc,
		}, logger)
		src.Overreads = powerscribe.NewSyncer(client, c, cfg.PowerScribe.Concurrency, logger)
	}

	return &app{
		db:    db,
		pool:  pool,
		pipe:  pipeline.New(db, src, loc, logger),
		vocab: vocab,
	}, nil
}
