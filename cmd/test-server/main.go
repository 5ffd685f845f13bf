package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emersion/go-imap"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/achingono/papermail-sub000/internal/config"
	"github.com/achingono/papermail-sub000/internal/credential"
	"github.com/achingono/papermail-sub000/internal/crypto"
	"github.com/achingono/papermail-sub000/internal/db"
	"github.com/achingono/papermail-sub000/internal/logger"
	"github.com/achingono/papermail-sub000/internal/metrics"
	"github.com/achingono/papermail-sub000/internal/models"
	"github.com/achingono/papermail-sub000/internal/service"
	"github.com/achingono/papermail-sub000/internal/testutil"
	"github.com/achingono/papermail-sub000/migrations"
)

const testEmail = "test@example.com"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := setupTestEnvironment(); err != nil {
		log.Fatalf("Failed to setup test environment: %v", err)
	}

	postgresContainer, connStr, err := startPostgres(ctx)
	if err != nil {
		log.Fatalf("Failed to start Postgres: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(context.Background()); err != nil {
			log.Printf("Failed to terminate Postgres container: %v", err)
		}
	}()

	imapServer, smtpServer, err := startMailServers()
	if err != nil {
		log.Fatalf("Failed to start mail servers: %v", err)
	}
	defer imapServer.Close()
	defer smtpServer.Close()

	if err := seedTestData(imapServer); err != nil {
		log.Fatalf("Failed to seed test data: %v", err)
	}

	cfg, pool, err := setupDatabase(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to setup database: %v", err)
	}
	defer pool.Close()

	userID, err := seedAccount(ctx, pool, cfg, imapServer, smtpServer)
	if err != nil {
		log.Fatalf("Failed to seed test account: %v", err)
	}

	zl := logger.NewDevelopmentLogger()
	server, err := service.NewServer(ctx, cfg, pool, zl, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		log.Fatalf("Failed to build server: %v", err)
	}

	zl.Info("papermail test server ready",
		zap.String("http", cfg.ListenAddress),
		zap.String("imap", imapServer.Address),
		zap.String("smtp", smtpServer.Address),
		zap.String("user_id", userID),
		zap.String("username", imapServer.Username()),
		zap.String("password", imapServer.Password()),
		zap.String("access_token", testutil.TestAccessToken))

	if err := server.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// setupTestEnvironment sets the variables the config loader requires.
func setupTestEnvironment() error {
	defaults := map[string]string{
		"PAPERMAIL_ENV":                   "test",
		"PAPERMAIL_ENCRYPTION_KEY_BASE64": testutil.TestEncryptionKey,
		"PAPERMAIL_DB_PASSWORD":           "papermail",
	}
	for key, value := range defaults {
		if os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// startPostgres starts a test Postgres database using testcontainers.
func startPostgres(ctx context.Context) (testcontainers.Container, string, error) {
	log.Println("Starting test Postgres database...")
	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("papermail_test"),
		postgres.WithUsername("papermail"),
		postgres.WithPassword("papermail"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start Postgres container: %w", err)
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, "", fmt.Errorf("failed to get connection string: %w", err)
	}

	log.Println("Test Postgres database started")
	return postgresContainer, connStr, nil
}

// startMailServers starts the in-memory IMAP and SMTP servers on the
// addresses in PAPERMAIL_TEST_IMAP_ADDR and PAPERMAIL_TEST_SMTP_ADDR.
func startMailServers() (*testutil.TestIMAPServer, *testutil.TestSMTPServer, error) {
	imapServer, err := testutil.NewTestIMAPServerAt(envOr("PAPERMAIL_TEST_IMAP_ADDR", "127.0.0.1:1143"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start test IMAP server: %w", err)
	}
	log.Printf("Test IMAP server started on %s", imapServer.Address)

	smtpServer, err := testutil.NewTestSMTPServerAt(envOr("PAPERMAIL_TEST_SMTP_ADDR", "127.0.0.1:1025"))
	if err != nil {
		imapServer.Close()
		return nil, nil, fmt.Errorf("failed to start test SMTP server: %w", err)
	}
	log.Printf("Test SMTP server started on %s", smtpServer.Address)

	return imapServer, smtpServer, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// setupDatabase loads the config, connects to the container and runs migrations.
func setupDatabase(ctx context.Context, connStr string) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	db.ConfigurePool(poolConfig)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("Successfully connected to database and ran migrations")
	return cfg, pool, nil
}

// seedTestData creates the special folders and a few inbox messages.
func seedTestData(imapServer *testutil.TestIMAPServer) error {
	client, err := imapServer.Dial()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Logout()
	}()

	for _, name := range []string{"Sent", "Drafts", "Trash", "Spam", "Archive"} {
		err := client.Create(name)
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			log.Printf("Warning: Failed to create folder %s: %v", name, err)
		}
	}

	messages := []struct {
		messageID string
		subject   string
		from      string
		body      string
		sentAt    time.Time
	}{
		{"<msg1@test>", "Welcome to papermail", "sender@example.com", "This is a test message.", time.Now().Add(-2 * time.Hour)},
		{"<msg2@test>", "Meeting Tomorrow", "colleague@example.com", "Don't forget about the meeting tomorrow at 2 PM.", time.Now().Add(-1 * time.Hour)},
		{"<msg3@test>", "Special Report Q3", "reports@example.com", "Here is the Q3 report you requested.", time.Now()},
	}

	for _, msg := range messages {
		raw := strings.Join([]string{
			"Message-ID: " + msg.messageID,
			"Date: " + msg.sentAt.Format(time.RFC1123Z),
			"From: " + msg.from,
			"To: " + testEmail,
			"Subject: " + msg.subject,
			"Content-Type: text/plain; charset=utf-8",
			"",
			msg.body,
			"",
		}, "\r\n")
		if err := client.Append("INBOX", nil, msg.sentAt, strings.NewReader(raw)); err != nil {
			return fmt.Errorf("failed to add message %s: %w", msg.messageID, err)
		}
	}

	// Start with everything unread, including the message the memory
	// backend seeds.
	if _, err := client.Select("INBOX", false); err != nil {
		return fmt.Errorf("failed to select INBOX: %w", err)
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, 0)
	item := imap.FormatFlagsOp(imap.RemoveFlags, true)
	if err := client.Store(seqSet, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("failed to reset flags: %w", err)
	}
	return nil
}

// seedAccount stores connection settings and a token for the test user.
func seedAccount(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config, imapServer *testutil.TestIMAPServer, smtpServer *testutil.TestSMTPServer) (string, error) {
	sealer, err := crypto.NewSealer(cfg.EncryptionKeyBase64)
	if err != nil {
		return "", fmt.Errorf("failed to create sealer: %w", err)
	}

	accounts := db.NewAccountStore(pool, sealer)
	account, err := accounts.GetOrCreateAccount(ctx, testEmail)
	if err != nil {
		return "", fmt.Errorf("failed to get or create account: %w", err)
	}

	settings := models.ConnectionSettings{
		IMAP:     imapServer.Endpoint(),
		SMTP:     smtpServer.Endpoint(),
		Password: imapServer.Password(),
	}
	if err := accounts.SaveConnectionSettings(ctx, account.UserID, settings); err != nil {
		return "", fmt.Errorf("failed to save connection settings: %w", err)
	}

	token := credential.Token{Username: imapServer.Username(), AccessToken: testutil.TestAccessToken}
	if err := db.NewTokenStore(pool, sealer).SaveToken(ctx, account.UserID, token); err != nil {
		return "", fmt.Errorf("failed to save token: %w", err)
	}

	return account.UserID, nil
}
