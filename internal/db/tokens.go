package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/achingono/papermail-sub000/internal/credential"
	"github.com/achingono/papermail-sub000/internal/crypto"
)

// TokenStore keeps OAuth2 tokens sealed in Postgres. It implements
// credential.TokenStore.
type TokenStore struct {
	pool   *pgxpool.Pool
	sealer *crypto.Sealer
}

var _ credential.TokenStore = (*TokenStore)(nil)

// NewTokenStore returns a TokenStore.
func NewTokenStore(pool *pgxpool.Pool, sealer *crypto.Sealer) *TokenStore {
	return &TokenStore{pool: pool, sealer: sealer}
}

// GetToken returns credential.ErrTokenNotFound when nothing is stored.
func (s *TokenStore) GetToken(ctx context.Context, userID string) (credential.Token, error) {
	var (
		token         credential.Token
		sealedAccess  []byte
		sealedRefresh []byte
		expiry        *time.Time
	)

	err := s.pool.QueryRow(ctx, `
		SELECT username, encrypted_access_token, encrypted_refresh_token, expiry
		FROM oauth_tokens
		WHERE user_id = $1
	`, userID).Scan(&token.Username, &sealedAccess, &sealedRefresh, &expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return credential.Token{}, credential.ErrTokenNotFound
	}
	if err != nil {
		return credential.Token{}, fmt.Errorf("failed to get token: %w", err)
	}

	if token.AccessToken, err = s.sealer.Open(userID, sealedAccess); err != nil {
		return credential.Token{}, fmt.Errorf("failed to open access token: %w", err)
	}
	if token.RefreshToken, err = s.sealer.Open(userID, sealedRefresh); err != nil {
		return credential.Token{}, fmt.Errorf("failed to open refresh token: %w", err)
	}
	if expiry != nil {
		token.Expiry = *expiry
	}

	return token, nil
}

// SaveToken inserts or replaces the token for userID.
func (s *TokenStore) SaveToken(ctx context.Context, userID string, token credential.Token) error {
	sealedAccess, err := s.sealer.Seal(userID, token.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}

	var sealedRefresh []byte
	if token.RefreshToken != "" {
		if sealedRefresh, err = s.sealer.Seal(userID, token.RefreshToken); err != nil {
			return fmt.Errorf("failed to seal refresh token: %w", err)
		}
	}

	var expiry *time.Time
	if !token.Expiry.IsZero() {
		expiry = &token.Expiry
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO oauth_tokens (user_id, username, encrypted_access_token, encrypted_refresh_token, expiry)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			username = EXCLUDED.username,
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			encrypted_refresh_token = EXCLUDED.encrypted_refresh_token,
			expiry = EXCLUDED.expiry,
			updated_at = NOW()
	`, userID, token.Username, sealedAccess, sealedRefresh, expiry)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	return nil
}
