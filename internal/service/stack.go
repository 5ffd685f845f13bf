// Package service wires configuration, stores and the mail stack together
// for the binaries.
package service

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/achingono/papermail-sub000/internal/cache"
	"github.com/achingono/papermail-sub000/internal/config"
	"github.com/achingono/papermail-sub000/internal/credential"
	"github.com/achingono/papermail-sub000/internal/gateway"
	"github.com/achingono/papermail-sub000/internal/imap"
	"github.com/achingono/papermail-sub000/internal/metrics"
	"github.com/achingono/papermail-sub000/internal/smtp"
)

const versionKeyPrefix = "papermail:version:"

// Deps are the stores a Stack is built on.
type Deps struct {
	Accounts gateway.AccountStore
	Tokens   credential.TokenStore
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Stack is the assembled mail stack.
type Stack struct {
	Resolver *credential.Resolver
	Gateway  *gateway.Gateway
	Cache    *cache.SyncCache

	// Redis is nil when the cache is kept in memory.
	Redis       *goredis.Client
	MemoryStore *cache.MemoryStore
}

// OAuth2Config returns the refresh configuration, or nil when no token URL
// is configured.
func OAuth2Config(cfg *config.Config) *oauth2.Config {
	if cfg.OAuthTokenURL == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.OAuthTokenURL},
		Scopes:       cfg.OAuthScopes,
	}
}

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, cfg *config.Config) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.RedisAddress,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// NewStack builds the resolver, gateway and cache from cfg.
func NewStack(ctx context.Context, cfg *config.Config, deps Deps) (*Stack, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	resolverOpts := []credential.Option{credential.WithLogger(logger.Named("credential"))}
	if oauthCfg := OAuth2Config(cfg); oauthCfg != nil {
		resolverOpts = append(resolverOpts, credential.WithOAuth2(oauthCfg))
	}
	resolver := credential.NewResolver(deps.Tokens, resolverOpts...)

	clients := gateway.NewClientFactory(
		imap.WithLogger(logger.Named("imap")),
		imap.WithMetrics(deps.Metrics),
		imap.WithLimiter(imap.NewLimiter(cfg.ConnectionsPerAccount)),
		imap.WithTimeouts(cfg.DialTimeout, cfg.CommandTimeout),
		imap.WithScanBatchSize(cfg.ScanBatchSize),
	)
	sender := smtp.NewSender(
		smtp.WithLogger(logger.Named("smtp")),
		smtp.WithMetrics(deps.Metrics),
		smtp.WithDialTimeout(cfg.DialTimeout),
	)
	gw := gateway.New(deps.Accounts, resolver, clients, sender,
		gateway.WithLogger(logger.Named("gateway")),
		gateway.WithMetrics(deps.Metrics),
	)

	stack := &Stack{Resolver: resolver, Gateway: gw}

	var (
		store    cache.Store
		versions cache.Versions
	)
	if cfg.RedisEnabled {
		rdb, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		stack.Redis = rdb
		store = cache.NewRedisStore(rdb)
		versions = cache.NewRedisVersions(rdb, versionKeyPrefix)
		logger.Info("Using Redis cache", zap.String("address", cfg.RedisAddress), zap.Int("db", cfg.RedisDB))
	} else {
		stack.MemoryStore = cache.NewMemoryStore(nil)
		store = stack.MemoryStore
		versions = cache.NewMemoryVersions()
	}

	stack.Cache = cache.New(gw, store, versions,
		cache.WithLogger(logger.Named("cache")),
		cache.WithMetrics(deps.Metrics),
		cache.WithTTL(cfg.CacheAbsoluteTTL, cfg.CacheSlidingTTL),
	)
	return stack, nil
}

// Close releases the Redis connection, if any.
func (s *Stack) Close() error {
	if s.Redis == nil {
		return nil
	}
	return s.Redis.Close()
}
