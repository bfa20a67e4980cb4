package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jackc/pgx/v5"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Ziug/video-stats-bot/internal/config"
	"github.com/Ziug/video-stats-bot/internal/ingest"
	"github.com/Ziug/video-stats-bot/internal/llm"
	"github.com/Ziug/video-stats-bot/internal/metrics"
	"github.com/Ziug/video-stats-bot/internal/pipeline"
	"github.com/Ziug/video-stats-bot/internal/schema"
	"github.com/Ziug/video-stats-bot/internal/sqlguard"
	"github.com/Ziug/video-stats-bot/internal/store"
	"github.com/Ziug/video-stats-bot/internal/telegram"
)

const (
	defaultDatasetFile = "videos.json"
	shutdownTimeout    = 10 * time.Second
)

var (
	verbose  bool
	httpAddr string
	workers  int
	explain  bool

	// Set by -ldflags at build time.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "video-stats-bot",
		Short:        "Answers questions about video statistics with a single number",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newBotCmd(),
		newServeCmd(),
		newAskCmd(),
		newValidateCmd(),
		newLoadCmd(),
		newCheckCmd(),
		newVersionCmd(),
	)
	return root
}

func newBotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Run the Telegram bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(os.Stderr, verbose)
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireTelegram(); err != nil {
				return err
			}
			if workers > 0 {
				cfg.Workers = workers
			}

			ctx := cmd.Context()
			d, err := setup(ctx, log, cfg)
			if err != nil {
				return err
			}
			defer d.Close()
			d.warnMissingTables(ctx)

			api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
			if err != nil {
				return fmt.Errorf("connect to telegram: %w", err)
			}
			log.Info("authorized on telegram", "account", api.Self.UserName)

			bot, err := telegram.New(telegram.Config{
				Logger:   log,
				Client:   api,
				Answerer: d.pipeline,
				Lanes:    cfg.Workers,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer cancel()
				return bot.Run(gctx)
			})
			if cfg.MetricsAddr != "" {
				g.Go(func() error {
					return serveHTTP(gctx, log, cfg.MetricsAddr, opsRouter())
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "number of chat lanes (overrides BOT_WORKERS)")
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(os.Stderr, verbose)
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.HTTPAddr = httpAddr
			}

			ctx := cmd.Context()
			d, err := setup(ctx, log, cfg)
			if err != nil {
				return err
			}
			defer d.Close()
			d.warnMissingTables(ctx)

			a := &app{
				answerer:      d.pipeline,
				schema:        d.schema,
				refreshSchema: d.loadSchema,
			}
			return serveHTTP(ctx, log, cfg.HTTPAddr, a.router())
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

func newAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question...>",
		Short: "Answer one question and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(os.Stderr, verbose)
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			d, err := setup(ctx, log, cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			res := d.pipeline.Run(ctx, strings.Join(args, " "))
			fmt.Fprintln(cmd.OutOrStdout(), res.Reply)
			if explain {
				printExplain(cmd.ErrOrStderr(), res)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&explain, "explain", false, "print stage, outcome, strategy and SQL to stderr")
	return cmd
}

func printExplain(w io.Writer, res pipeline.Result) {
	fmt.Fprintf(w, "outcome:  %s\n", res.Outcome)
	fmt.Fprintf(w, "stage:    %s\n", res.Stage)
	if res.Strategy != "" {
		fmt.Fprintf(w, "strategy: %s\n", res.Strategy)
	}
	if res.SQL != "" {
		fmt.Fprintf(w, "sql:      %s\n", res.SQL)
	}
	if res.Err != nil {
		fmt.Fprintf(w, "error:    %v\n", res.Err)
	}
	for _, s := range []pipeline.Stage{
		pipeline.StageGenerating, pipeline.StageExtracting,
		pipeline.StageValidating, pipeline.StageExecuting,
	} {
		if d, ok := res.Durations[s]; ok {
			fmt.Fprintf(w, "%-11s %s\n", string(s)+":", d.Round(time.Microsecond))
		}
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <sql...>",
		Short: "Check a query against the validator",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := sqlguard.New(sqlguard.DefaultPolicy())
			if err := v.Check(strings.Join(args, " ")); err != nil {
				return fmt.Errorf("rejected (%s): %w", sqlguard.Reason(err), err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load [file]",
		Short: "Create the tables and load a JSON dataset",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(os.Stderr, verbose)
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			path := defaultDatasetFile
			if len(args) == 1 {
				path = args[0]
			}

			ds, err := ingest.ReadFile(path)
			if err != nil {
				return err
			}
			log.Info("dataset read", "file", path, "videos", len(ds.Videos), "snapshots", ds.SnapshotCount())

			ctx := cmd.Context()
			conn, err := pgx.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer conn.Close(context.Background())

			if err := ingest.EnsureSchema(ctx, conn); err != nil {
				return err
			}
			loader := &ingest.Loader{Log: log}
			stats, err := loader.Load(ctx, conn, ds)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d videos and %d snapshots (%d and %d already present)\n",
				stats.Videos, stats.Snapshots, stats.SkippedVideos, stats.SkippedSnapshots)
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the database is reachable and the tables exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(os.Stderr, verbose)
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := store.Open(ctx, log, cfg.Store())
			if err != nil {
				return err
			}
			defer db.Close()

			cache := schema.NewCache(sqlguard.DefaultPolicy().AllowedTables)
			if err := cache.Load(ctx, db.DB()); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cache.Text())
			if missing := cache.Missing(); len(missing) > 0 {
				return fmt.Errorf("missing tables: %s", strings.Join(missing, ", "))
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "video-stats-bot %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// deps are the long-lived collaborators shared by the bot, serve and ask commands.
type deps struct {
	log      *slog.Logger
	db       *store.Postgres
	schema   *schema.Cache
	pipeline *pipeline.Pipeline
}

func setup(ctx context.Context, log *slog.Logger, cfg *config.Config) (*deps, error) {
	provider, err := llm.NewProvider(cfg.LLM())
	if err != nil {
		return nil, err
	}
	log.Info("LLM provider initialized", "provider", provider.Name())

	db, err := store.Open(ctx, log, cfg.Store())
	if err != nil {
		return nil, err
	}

	policy := sqlguard.DefaultPolicy()
	validator := sqlguard.New(policy)
	log.Info("SQL validator initialized", "validator", validator.String())

	p, err := pipeline.New(pipeline.Config{
		Logger:       log,
		LLM:          provider,
		Store:        db,
		Validator:    validator,
		LLMTimeout:   cfg.LLMTimeout,
		QueryTimeout: cfg.QueryTimeout,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &deps{
		log:      log,
		db:       db,
		schema:   schema.NewCache(policy.AllowedTables),
		pipeline: p,
	}, nil
}

func (d *deps) Close() {
	if err := d.db.Close(); err != nil {
		d.log.Warn("failed to close database", "error", err)
	}
}

func (d *deps) loadSchema(ctx context.Context) error {
	return d.schema.Load(ctx, d.db.DB())
}

// warnMissingTables loads the schema once and logs tables the prompt expects but
// the database lacks. Failures are logged, not fatal.
func (d *deps) warnMissingTables(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, schemaTimeout)
	defer cancel()

	if err := d.loadSchema(ctx); err != nil {
		d.log.Warn("failed to load schema", "error", err)
		return
	}
	d.log.Info("loaded schema", "tables", d.schema.TableCount())
	for _, name := range d.schema.Missing() {
		d.log.Warn("table not found; questions about it will return 0", "table", name)
	}
}

func serveHTTP(ctx context.Context, log *slog.Logger, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
