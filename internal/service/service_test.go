package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/achingono/papermail-sub000/internal/config"
	"github.com/achingono/papermail-sub000/internal/credential"
	"github.com/achingono/papermail-sub000/internal/crypto"
	"github.com/achingono/papermail-sub000/internal/db"
	"github.com/achingono/papermail-sub000/internal/metrics"
	"github.com/achingono/papermail-sub000/internal/models"
	"github.com/achingono/papermail-sub000/internal/testutil"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment:           "test",
		CacheAbsoluteTTL:      time.Minute,
		CacheSlidingTTL:       30 * time.Second,
		DialTimeout:           2 * time.Second,
		CommandTimeout:        5 * time.Second,
		ConnectionsPerAccount: 2,
		ScanBatchSize:         100,
		EncryptionKeyBase64:   testutil.TestEncryptionKey,
		ListenAddress:         "127.0.0.1:0",
	}
}

type staticAccounts struct {
	settings models.ConnectionSettings
}

func (a staticAccounts) GetConnectionSettings(context.Context, string) (models.ConnectionSettings, error) {
	return a.settings, nil
}

type staticTokens struct {
	token credential.Token
}

func (s staticTokens) GetToken(context.Context, string) (credential.Token, error) {
	return s.token, nil
}

func (s staticTokens) SaveToken(context.Context, string, credential.Token) error {
	return nil
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	body, err := io.ReadAll(w.Result().Body)
	require.NoError(t, err)
	return w.Code, string(body)
}

func TestHandler(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.MirrorFailed()
	s := &Server{metrics: m, health: healthcheck.NewHandler()}
	h := s.Handler()

	code, body := get(t, h, "/")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "papermail is running", body)

	code, _ = get(t, h, "/nope")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "papermail_sent_mirror_failures_total 1")

	code, _ = get(t, h, "/live")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, h, "/ready")
	assert.Equal(t, http.StatusOK, code)
}

func TestOAuth2Config(t *testing.T) {
	cfg := testConfig()
	assert.Nil(t, OAuth2Config(cfg))

	cfg.OAuthTokenURL = "https://auth.example.com/token"
	cfg.OAuthClientID = "client"
	cfg.OAuthScopes = []string{"mail"}
	oc := OAuth2Config(cfg)
	require.NotNil(t, oc)
	assert.Equal(t, "https://auth.example.com/token", oc.Endpoint.TokenURL)
	assert.Equal(t, []string{"mail"}, oc.Scopes)
}

func TestNewStack(t *testing.T) {
	imapServer := testutil.NewTestIMAPServer(t)
	imapServer.EmptyFolder(t, "INBOX")
	imapServer.CreateSpecialFolders(t)
	smtpServer := testutil.NewTestSMTPServer(t)

	deps := Deps{
		Accounts: staticAccounts{settings: models.ConnectionSettings{IMAP: imapServer.Endpoint(), SMTP: smtpServer.Endpoint()}},
		Tokens:   staticTokens{token: credential.Token{Username: imapServer.Username(), AccessToken: testutil.TestAccessToken}},
	}
	ctx := context.Background()

	t.Run("memory cache", func(t *testing.T) {
		stack, err := NewStack(ctx, testConfig(), deps)
		require.NoError(t, err)
		defer func() { _ = stack.Close() }()

		assert.Nil(t, stack.Redis)
		require.NotNil(t, stack.MemoryStore)

		page, err := stack.Cache.GetInbox(ctx, "u1", 0, 10)
		require.NoError(t, err)
		assert.Empty(t, page.Emails)
		assert.Equal(t, 1, stack.MemoryStore.Len())
	})

	t.Run("redis cache", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig()
		cfg.RedisEnabled = true
		cfg.RedisAddress = mr.Addr()

		stack, err := NewStack(ctx, cfg, deps)
		require.NoError(t, err)
		defer func() { _ = stack.Close() }()

		require.NotNil(t, stack.Redis)
		assert.Nil(t, stack.MemoryStore)

		_, err = stack.Cache.Counts(ctx, "u1")
		require.NoError(t, err)
		assert.NotEmpty(t, mr.Keys())
	})

	t.Run("redis unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		cfg := testConfig()
		cfg.RedisEnabled = true
		cfg.RedisAddress = addr

		_, err := NewStack(ctx, cfg, deps)
		assert.ErrorContains(t, err, "failed to connect to Redis")
	})
}

func TestServer_WithDatabase(t *testing.T) {
	pool := testutil.NewTestDB(t)
	imapServer := testutil.NewTestIMAPServer(t)
	imapServer.EmptyFolder(t, "INBOX")
	imapServer.AddMessage(t, "INBOX", "<hello@x>", "Hello", "alice@example.com", "bob@example.com", time.Now())
	smtpServer := testutil.NewTestSMTPServer(t)
	ctx := context.Background()

	sealer, err := crypto.NewSealer(testutil.TestEncryptionKey)
	require.NoError(t, err)
	accounts := db.NewAccountStore(pool, sealer)
	account, err := accounts.GetOrCreateAccount(ctx, "bob@example.com")
	require.NoError(t, err)
	require.NoError(t, accounts.SaveConnectionSettings(ctx, account.UserID, models.ConnectionSettings{
		IMAP: imapServer.Endpoint(),
		SMTP: smtpServer.Endpoint(),
	}))
	require.NoError(t, db.NewTokenStore(pool, sealer).SaveToken(ctx, account.UserID, credential.Token{
		Username:    imapServer.Username(),
		AccessToken: testutil.TestAccessToken,
	}))

	s, err := NewServer(ctx, testConfig(), pool, nil, metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)

	t.Run("ready", func(t *testing.T) {
		code, _ := get(t, s.Handler(), "/ready")
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("reads through the stored account", func(t *testing.T) {
		page, err := s.Stack().Cache.GetInbox(ctx, account.UserID, 0, 10)
		require.NoError(t, err)
		require.Len(t, page.Emails, 1)
		assert.Equal(t, "Hello", page.Emails[0].Subject)
	})

	t.Run("watchers stop on cancel", func(t *testing.T) {
		wctx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- s.RunWatchers(wctx) }()

		time.Sleep(200 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("watchers did not stop")
		}
	})
}
