package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/achingono/papermail-sub000/internal/crypto"
	"github.com/achingono/papermail-sub000/internal/models"
)

var (
	// ErrAccountNotFound is returned when no account has the given id.
	ErrAccountNotFound = errors.New("account not found")
	// ErrSettingsNotFound is returned when an account has no connection settings.
	ErrSettingsNotFound = errors.New("connection settings not found")
)

// AccountStore reads and writes accounts and their connection settings.
type AccountStore struct {
	pool   *pgxpool.Pool
	sealer *crypto.Sealer
}

// NewAccountStore returns an AccountStore.
func NewAccountStore(pool *pgxpool.Pool, sealer *crypto.Sealer) *AccountStore {
	return &AccountStore{pool: pool, sealer: sealer}
}

// GetOrCreateAccount returns the account for email, creating it when needed.
func (s *AccountStore) GetOrCreateAccount(ctx context.Context, email string) (*models.Account, error) {
	var account models.Account

	err := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (email)
		VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, email, created_at, updated_at
	`, email).Scan(&account.UserID, &account.Email, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create account: %w", err)
	}

	return &account, nil
}

// ListAccounts returns every account that has connection settings.
func (s *AccountStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.email, a.created_at, a.updated_at
		FROM accounts a
		JOIN account_settings s ON s.user_id = a.id
		ORDER BY a.email
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	accounts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Account, error) {
		var a models.Account
		err := row.Scan(&a.UserID, &a.Email, &a.CreatedAt, &a.UpdatedAt)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan accounts: %w", err)
	}

	return accounts, nil
}

// SaveConnectionSettings stores the endpoints and the optional static password.
func (s *AccountStore) SaveConnectionSettings(ctx context.Context, userID string, settings models.ConnectionSettings) error {
	var sealed []byte
	if settings.Password != "" {
		var err error
		sealed, err = s.sealer.Seal(userID, settings.Password)
		if err != nil {
			return fmt.Errorf("failed to seal password: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO account_settings (
			user_id,
			imap_host, imap_port, imap_tls, imap_insecure,
			smtp_host, smtp_port, smtp_tls, smtp_insecure,
			encrypted_password
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			imap_host = EXCLUDED.imap_host,
			imap_port = EXCLUDED.imap_port,
			imap_tls = EXCLUDED.imap_tls,
			imap_insecure = EXCLUDED.imap_insecure,
			smtp_host = EXCLUDED.smtp_host,
			smtp_port = EXCLUDED.smtp_port,
			smtp_tls = EXCLUDED.smtp_tls,
			smtp_insecure = EXCLUDED.smtp_insecure,
			encrypted_password = EXCLUDED.encrypted_password,
			updated_at = NOW()
	`,
		userID,
		settings.IMAP.Host, settings.IMAP.Port, string(settings.IMAP.TLS), settings.IMAP.InsecureSkipVerify,
		settings.SMTP.Host, settings.SMTP.Port, string(settings.SMTP.TLS), settings.SMTP.InsecureSkipVerify,
		sealed,
	)
	if err != nil {
		return fmt.Errorf("failed to save connection settings: %w", err)
	}

	return nil
}

// GetConnectionSettings returns the settings stored for userID.
func (s *AccountStore) GetConnectionSettings(ctx context.Context, userID string) (models.ConnectionSettings, error) {
	var (
		settings models.ConnectionSettings
		imapTLS  string
		smtpTLS  string
		sealed   []byte
	)

	err := s.pool.QueryRow(ctx, `
		SELECT
			imap_host, imap_port, imap_tls, imap_insecure,
			smtp_host, smtp_port, smtp_tls, smtp_insecure,
			encrypted_password
		FROM account_settings
		WHERE user_id = $1
	`, userID).Scan(
		&settings.IMAP.Host, &settings.IMAP.Port, &imapTLS, &settings.IMAP.InsecureSkipVerify,
		&settings.SMTP.Host, &settings.SMTP.Port, &smtpTLS, &settings.SMTP.InsecureSkipVerify,
		&sealed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ConnectionSettings{}, ErrSettingsNotFound
	}
	if err != nil {
		return models.ConnectionSettings{}, fmt.Errorf("failed to get connection settings: %w", err)
	}

	settings.IMAP.TLS = models.TLSMode(imapTLS)
	settings.SMTP.TLS = models.TLSMode(smtpTLS)

	settings.Password, err = s.sealer.Open(userID, sealed)
	if err != nil {
		return models.ConnectionSettings{}, fmt.Errorf("failed to open password: %w", err)
	}

	return settings, nil
}
