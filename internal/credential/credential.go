// Package credential resolves the (username, access token) pair a mail
// operation runs with.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/achingono/papermail-sub000/internal/models"
)

// refreshLeeway treats tokens that expire within this window as expired.
const refreshLeeway = 30 * time.Second

var (
	// ErrCredentialsUnavailable means no username or no access token could
	// be produced for the user. It is fatal to the calling operation.
	ErrCredentialsUnavailable = errors.New("credentials unavailable")
	// ErrTokenNotFound is returned by stores that hold nothing for the user.
	ErrTokenNotFound = errors.New("token not found")
)

// Token is what a TokenStore keeps for one user.
type Token struct {
	Username     string    `json:"username"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Expired reports whether the token has a known expiry at or before now.
func (t Token) Expired(now time.Time) bool {
	return !t.Expiry.IsZero() && !t.Expiry.After(now.Add(refreshLeeway))
}

// TokenStore reads and writes stored tokens.
type TokenStore interface {
	GetToken(ctx context.Context, userID string) (Token, error)
	SaveToken(ctx context.Context, userID string, token Token) error
}

// Resolver produces credentials from a TokenStore, refreshing expired
// tokens when it has an OAuth2 configuration and a refresh token.
type Resolver struct {
	store  TokenStore
	oauth  *oauth2.Config
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithOAuth2 enables token refresh.
func WithOAuth2(cfg *oauth2.Config) Option {
	return func(r *Resolver) { r.oauth = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver returns a Resolver reading from store.
func NewResolver(store TokenStore, opts ...Option) *Resolver {
	r := &Resolver{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Resolve returns the credentials for userID or ErrCredentialsUnavailable.
func (r *Resolver) Resolve(ctx context.Context, userID string) (models.Credentials, error) {
	token, err := r.token(ctx, userID)
	if err != nil {
		return models.Credentials{}, err
	}
	if token.Username == "" || token.AccessToken == "" {
		return models.Credentials{}, fmt.Errorf("%w: incomplete token for user %s", ErrCredentialsUnavailable, userID)
	}
	return models.Credentials{Username: token.Username, AccessToken: token.AccessToken}, nil
}

// AccessToken returns only the access token.
func (r *Resolver) AccessToken(ctx context.Context, userID string) (string, error) {
	creds, err := r.Resolve(ctx, userID)
	if err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// Username returns only the username. It does not refresh the token.
func (r *Resolver) Username(ctx context.Context, userID string) (string, error) {
	token, err := r.store.GetToken(ctx, userID)
	if err != nil {
		return "", unavailable(userID, err)
	}
	if token.Username == "" {
		return "", fmt.Errorf("%w: no username for user %s", ErrCredentialsUnavailable, userID)
	}
	return token.Username, nil
}

func (r *Resolver) token(ctx context.Context, userID string) (Token, error) {
	token, err := r.store.GetToken(ctx, userID)
	if err != nil {
		return Token{}, unavailable(userID, err)
	}

	if !token.Expired(r.now()) || token.RefreshToken == "" || r.oauth == nil {
		return token, nil
	}

	refreshed, err := r.refresh(ctx, token)
	if err != nil {
		r.logger.Warn("Failed to refresh access token", zap.String("user_id", userID), zap.Error(err))
		return Token{}, fmt.Errorf("%w: refresh failed for user %s: %v", ErrCredentialsUnavailable, userID, err)
	}

	if err := r.store.SaveToken(ctx, userID, refreshed); err != nil {
		// The refreshed token is still good for this call.
		r.logger.Warn("Failed to store refreshed access token", zap.String("user_id", userID), zap.Error(err))
	} else {
		r.logger.Debug("Refreshed access token", zap.String("user_id", userID), zap.Time("expiry", refreshed.Expiry))
	}
	return refreshed, nil
}

func (r *Resolver) refresh(ctx context.Context, token Token) (Token, error) {
	src := r.oauth.TokenSource(ctx, &oauth2.Token{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	})

	fresh, err := src.Token()
	if err != nil {
		return Token{}, err
	}

	refreshed := Token{
		Username:     token.Username,
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		Expiry:       fresh.Expiry,
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = token.RefreshToken
	}
	return refreshed, nil
}

func unavailable(userID string, err error) error {
	if errors.Is(err, ErrTokenNotFound) {
		return fmt.Errorf("%w: no token for user %s", ErrCredentialsUnavailable, userID)
	}
	return fmt.Errorf("%w: failed to read token for user %s: %v", ErrCredentialsUnavailable, userID, err)
}
