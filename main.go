// Command istheaudio serves the authenticated video-to-MP3 conversion API.
//
// Configuration is read from the environment (and from a .env file in the
// working directory when present). See internal/config for the variables.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sambrabizz-star/istheaudio/internal/auth"
	"github.com/sambrabizz-star/istheaudio/internal/config"
	"github.com/sambrabizz-star/istheaudio/internal/database"
	"github.com/sambrabizz-star/istheaudio/internal/handler"
	"github.com/sambrabizz-star/istheaudio/internal/logger"
	"github.com/sambrabizz-star/istheaudio/internal/media"
	"github.com/sambrabizz-star/istheaudio/internal/metrics"
	"github.com/sambrabizz-star/istheaudio/internal/middleware"
	"github.com/sambrabizz-star/istheaudio/internal/migration"
	"github.com/sambrabizz-star/istheaudio/internal/pipeline"
	"github.com/sambrabizz-star/istheaudio/internal/quota"
	"github.com/sambrabizz-star/istheaudio/internal/server"
	"github.com/sambrabizz-star/istheaudio/migrations"
)

const (
	serviceName     = "istheaudio"
	pingTimeout     = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	// A missing .env is the normal case in deployed environments.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var skipMigrations bool

	runServe := func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context(), skipMigrations)
	}

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Convert short-form videos to MP3 over an authenticated HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply schema migrations before serving")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrate(cmd.Context())
		},
	}

	root.AddCommand(serveCmd, migrateCmd)
	return root
}

func newLogger(cfg config.Log) zerolog.Logger {
	return logger.New(logger.Options{
		Level:   cfg.Level,
		Format:  cfg.Format,
		Service: serviceName,
		Caller:  cfg.Caller,
	})
}

func migrate(ctx context.Context) error {
	env := config.NewEnv()
	log := newLogger(config.LogFromEnv(env))

	db, err := openDB(ctx, config.DatabaseFromEnv(env))
	if err != nil {
		return err
	}
	defer db.Close()

	return migration.RunMigrations(db, migrations.FS, log)
}

func serve(ctx context.Context, skipMigrations bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := newLogger(cfg.Log)

	st, err := openStore(ctx, cfg, log, !skipMigrations)
	if err != nil {
		return err
	}
	defer st.close()

	verifier, err := auth.NewJWKSVerifier(ctx, auth.Options{
		JWKSURL:         cfg.Auth.JWKSURL,
		Issuer:          cfg.Auth.Issuer,
		Audience:        cfg.Auth.Audience,
		RefreshInterval: cfg.Auth.RefreshInterval,
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("token verifier: %w", err)
	}
	defer verifier.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	conv := pipeline.New(
		media.NewDownloader(cfg.Pipeline.DownloaderBin),
		media.NewTranscoder(cfg.Pipeline.TranscoderBin),
		pipeline.Options{
			WorkDir:          cfg.Pipeline.WorkDir,
			DownloadTimeout:  cfg.Pipeline.DownloadTimeout,
			TranscodeTimeout: cfg.Pipeline.TranscodeTimeout,
			MinArtifactBytes: cfg.Pipeline.MinArtifactBytes,
			Logger:           log,
			Observer:         m,
		},
	)

	var limiter *middleware.RateLimiter
	if cfg.HTTP.RateLimitRPS > 0 {
		limiter = middleware.NewRateLimiter(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst)
		go limiter.RunSweeper(time.Minute, ctx.Done())
	}

	router := server.NewRouter(server.Deps{
		Logger:   log,
		Verifier: verifier,
		Convert: handler.ConvertDeps{
			Ledger:       st.ledger,
			Policy:       quota.NewPolicy(cfg.Quota.PerHour),
			Converter:    conv,
			Metrics:      m,
			ArtifactName: cfg.Pipeline.ArtifactName,
		},
		Ready:          st.ready,
		HealthToken:    cfg.HTTP.HealthToken,
		Metrics:        m,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RateLimiter:    limiter,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return listenAndServe(ctx, srv, log)
}

// listenAndServe runs srv until ctx is cancelled, then drains in-flight
// requests for up to shutdownTimeout.
func listenAndServe(ctx context.Context, srv *http.Server, log zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// store bundles the usage ledger with the dependency /health/ready checks.
type store struct {
	ledger quota.Ledger
	ready  handler.Pinger
	close  func()
}

func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger, runMigrations bool) (*store, error) {
	switch cfg.Quota.Backend {
	case config.BackendRedis:
		client, err := quota.OpenRedis(ctx, cfg.Quota.RedisURL)
		if err != nil {
			return nil, err
		}
		log.Info().Str("backend", config.BackendRedis).Msg("usage store ready")
		return &store{
			ledger: quota.NewRedisLedger(client),
			ready:  redisPinger{client},
			close:  func() { _ = client.Close() },
		}, nil

	default:
		db, err := openDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if runMigrations {
			if err := migration.RunMigrations(db, migrations.FS, log); err != nil {
				db.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		log.Info().Str("backend", config.BackendPostgres).Msg("usage store ready")
		return &store{
			ledger: quota.NewPostgresLedger(db),
			ready:  db,
			close:  func() { _ = db.Close() },
		}, nil
	}
}

func openDB(ctx context.Context, cfg config.Database) (*sql.DB, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := database.Ping(ctx, db, pingTimeout); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// redisPinger adapts *redis.Client to handler.Pinger.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
