package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/achingono/papermail-sub000/internal/config"
	"github.com/achingono/papermail-sub000/internal/crypto"
	"github.com/achingono/papermail-sub000/internal/db"
	"github.com/achingono/papermail-sub000/internal/metrics"
	"github.com/achingono/papermail-sub000/internal/models"
)

const (
	checkTimeout    = 2 * time.Second
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
	maxGoroutines   = 10000
)

// Server exposes metrics and health over HTTP and keeps one change watcher
// per account.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	pool     *pgxpool.Pool
	accounts *db.AccountStore
	stack    *Stack
	health   healthcheck.Handler
}

// NewServer builds the server on an open database pool.
func NewServer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger, m *metrics.Metrics) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	sealer, err := crypto.NewSealer(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create sealer: %w", err)
	}

	accounts := db.NewAccountStore(pool, sealer)
	stack, err := NewStack(ctx, cfg, Deps{
		Accounts: accounts,
		Tokens:   db.NewTokenStore(pool, sealer),
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		pool:     pool,
		accounts: accounts,
		stack:    stack,
		health:   healthcheck.NewHandler(),
	}
	s.addChecks()
	return s, nil
}

func (s *Server) addChecks() {
	s.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))

	s.health.AddReadinessCheck("database", healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return s.pool.Ping(ctx)
	}, checkTimeout))

	if rdb := s.stack.Redis; rdb != nil {
		s.health.AddReadinessCheck("redis", healthcheck.Timeout(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
			defer cancel()
			return rdb.Ping(ctx).Err()
		}, checkTimeout))
	}
}

// Stack returns the mail stack.
func (s *Server) Stack() *Stack {
	return s.stack
}

// Handler routes the HTTP endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", handleRoot)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.Handle("/live", s.health)
	mux.Handle("/ready", s.health)
	return mux
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "papermail is running")
}

// RunWatchers starts a change watcher on the inbox of every account with
// connection settings and blocks until ctx is done. A watcher that stops
// with an error is logged and not restarted.
func (s *Server) RunWatchers(ctx context.Context) error {
	accounts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("Starting change watchers", zap.Int("accounts", len(accounts)))

	var g errgroup.Group
	for _, account := range accounts {
		g.Go(func() error {
			err := s.stack.Cache.Watch(ctx, account.UserID, models.FolderInbox, nil)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Change watcher stopped",
					zap.String("user_id", account.UserID),
					zap.String("email", account.Email),
					zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// Run serves HTTP and runs the watchers until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("HTTP server listening", zap.String("address", s.cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return s.RunWatchers(gctx)
	})
	if store := s.stack.MemoryStore; store != nil {
		g.Go(func() error {
			store.RunSweeper(gctx, sweepInterval, s.logger)
			return nil
		})
	}

	err := g.Wait()
	if closeErr := s.stack.Close(); closeErr != nil {
		s.logger.Warn("Failed to close Redis client", zap.Error(closeErr))
	}
	return err
}
