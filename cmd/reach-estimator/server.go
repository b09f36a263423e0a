package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/audience-reach/pkg/metrics"
	"github.com/Sternrassler/audience-reach/pkg/usage"
)

const readyTimeout = 2 * time.Second

// statusServer exposes metrics and probes while a run is in progress.
type statusServer struct {
	srv    *http.Server
	logger zerolog.Logger
}

func newStatusServer(addr string, redisClient *redis.Client, db *sql.DB, tracker *usage.Tracker, logger zerolog.Logger) *statusServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(redisClient, db))
	mux.HandleFunc("/usage", usageHandler(tracker))

	return &statusServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func (s *statusServer) start() {
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("Status server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Status server failed")
		}
	}()
}

func (s *statusServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Status server shutdown")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler checks the optional shared backends. Nil dependencies are
// skipped.
func readyHandler(redisClient *redis.Client, db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis unavailable: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				http.Error(w, "database unavailable: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "READY")
	}
}

// usageHandler serves the tracker's counters, projections and
// recommendations as JSON.
func usageHandler(tracker *usage.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(tracker.Report()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
