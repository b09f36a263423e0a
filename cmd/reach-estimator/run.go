package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/audience-reach/pkg/batch"
	"github.com/Sternrassler/audience-reach/pkg/cache"
	"github.com/Sternrassler/audience-reach/pkg/client"
	"github.com/Sternrassler/audience-reach/pkg/config"
	"github.com/Sternrassler/audience-reach/pkg/logging"
	"github.com/Sternrassler/audience-reach/pkg/progress"
	"github.com/Sternrassler/audience-reach/pkg/ratelimit"
	"github.com/Sternrassler/audience-reach/pkg/reach"
	"github.com/Sternrassler/audience-reach/pkg/results"
	"github.com/Sternrassler/audience-reach/pkg/retry"
	"github.com/Sternrassler/audience-reach/pkg/usage"
)

const usageSyncInterval = 30 * time.Second

type runFlags struct {
	project       string
	account       string
	region        string
	targetingFile string
	metricsAddr   string
	output        string
}

func newRunCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run UNITS_FILE",
		Short: "Estimate reach for every postal code in UNITS_FILE",
		Long: `Estimate baseline and targeted reach for every postal code in UNITS_FILE
("-" reads stdin). Each line holds "identifier" or "identifier,region".

The JSON report is written to --output (stdout by default). The command exits
non-zero when the run is aborted by an authorization error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if flags.account != "" {
				cfg.AdAccountID = flags.account
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			setupLogging(cfg, cmd.ErrOrStderr())

			units, err := readUnits(args[0], flags.region)
			if err != nil {
				return err
			}
			spec, err := loadTargeting(flags.targetingFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := newEnvironment(ctx, cfg)
			if err != nil {
				return err
			}
			defer env.close()

			if flags.metricsAddr != "" {
				srv := newStatusServer(flags.metricsAddr, env.redis, env.db, env.tracker, logging.NewLogger("status"))
				srv.start()
				defer srv.shutdown()
			}

			report, runErr := env.scheduler.Run(ctx, batch.Request{
				ProjectID: flags.project,
				AccountID: cfg.AdAccountID,
				Units:     units,
				Targeting: spec,
			})
			if report != nil {
				if err := writeReport(cmd.OutOrStdout(), flags.output, report); err != nil {
					return err
				}
			}
			env.logRecommendations()
			return runErr
		},
	}

	cmd.Flags().StringVar(&flags.project, "project", "default", "Project the results are persisted under")
	cmd.Flags().StringVar(&flags.account, "account", "", "Ad account ID (overrides REACH_AD_ACCOUNT_ID)")
	cmd.Flags().StringVar(&flags.region, "region", "US", "Region for lines without one")
	cmd.Flags().StringVar(&flags.targetingFile, "targeting", "", "YAML file with the targeting filter")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve /metrics, /health, /ready and /usage on this address")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "-", "Report destination (- for stdout)")
	return cmd
}

// environment holds the components of one run and the connections they share.
type environment struct {
	redis     *redis.Client
	db        *sql.DB
	tracker   *usage.Tracker
	scheduler *batch.Scheduler
	logger    zerolog.Logger
	stopSync  context.CancelFunc
}

func newEnvironment(ctx context.Context, cfg *config.Config) (_ *environment, err error) {
	env := &environment{logger: logging.NewLogger("cli")}
	defer func() {
		if err != nil {
			env.close()
		}
	}()

	var trackerOpts []usage.Option
	cacheOpts := []cache.Option{cache.WithLogger(logging.NewLogger("cache"))}

	if cfg.RedisURL != "" {
		if env.redis, err = connectRedis(ctx, cfg.RedisURL); err != nil {
			return nil, err
		}
		trackerOpts = append(trackerOpts, usage.WithStore(usage.NewRedisStore(env.redis, 0)))
		cacheOpts = append(cacheOpts, cache.WithBackend(cache.NewRedisBackend(env.redis)))
		env.logger.Info().Msg("Using Redis for shared cache and quota state")
	}

	var sink results.Sink = results.NopSink{}
	if cfg.DatabaseURL != "" {
		if env.db, err = results.OpenPostgres(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		pg := results.NewPostgresSink(env.db)
		if err = pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		sink = pg
		env.logger.Info().Msg("Persisting results to PostgreSQL")
	}

	env.tracker = usage.NewTracker(logging.NewLogger("usage"), trackerOpts...)

	cc := cfg.ClientConfig()
	cc.Usage = env.tracker
	c, err := client.New(cc)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	policy := retry.DefaultPolicy()
	policy.RegainHint = env.tracker.RegainAccessIn

	env.scheduler, err = batch.New(batch.Deps{
		Client:          c,
		LookupLimiter:   ratelimit.New(cfg.Profile.LookupLimiter(), ratelimit.WithUsage(env.tracker)),
		EstimateLimiter: ratelimit.New(cfg.Profile.EstimateLimiter(), ratelimit.WithUsage(env.tracker)),
		Cache:           cache.New(cfg.CacheTTL, cacheOpts...),
		Policy:          policy,
		Observer:        progress.LogObserver{Logger: logging.NewLogger("progress")},
		Sink:            sink,
		Logger:          log.Logger,
	}, cfg.Profile)
	if err != nil {
		return nil, err
	}

	if env.redis != nil {
		syncCtx, cancel := context.WithCancel(ctx)
		env.stopSync = cancel
		go env.syncUsage(syncCtx)
	}

	env.logger.Info().
		Str("profile", cfg.Profile.Name).
		Str("account", cfg.AdAccountID).
		Msg("Environment ready")
	return env, nil
}

// connectRedis accepts a redis:// URL or a bare host:port.
func connectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		opts = &redis.Options{Addr: redisURL}
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

// syncUsage pulls quota observations published by other processes.
func (e *environment) syncUsage(ctx context.Context) {
	ticker := time.NewTicker(usageSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.tracker.Sync(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn().Err(err).Msg("Usage sync failed")
			}
		}
	}
}

func (e *environment) logRecommendations() {
	if e.tracker == nil {
		return
	}
	for _, rec := range e.tracker.Recommendations() {
		ev := e.logger.Info()
		if rec.Level != usage.LevelInformational {
			ev = e.logger.Warn()
		}
		ev.Str("dimension", rec.Dimension).
			Str("level", string(rec.Level)).
			Msg(rec.Message)
	}
}

func (e *environment) close() {
	if e.stopSync != nil {
		e.stopSync()
	}
	if e.db != nil {
		e.db.Close()
	}
	if e.redis != nil {
		e.redis.Close()
	}
}

// writeReport encodes the report as indented JSON to path, or to stdout for
// "-" and "".
func writeReport(stdout io.Writer, path string, report *reach.Report) error {
	out := stdout
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create report file: %w", err)
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
