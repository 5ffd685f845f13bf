package credential

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetToken(ctx context.Context, userID string) (Token, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(Token), args.Error(1)
}

func (m *mockStore) SaveToken(ctx context.Context, userID string, token Token) error {
	args := m.Called(ctx, userID, token)
	return args.Error(0)
}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		token   Token
		err     error
		want    string
		wantErr bool
	}{
		{"complete token", Token{Username: "alice@example.com", AccessToken: "tok"}, nil, "tok", false},
		{"missing username", Token{AccessToken: "tok"}, nil, "", true},
		{"missing access token", Token{Username: "alice@example.com"}, nil, "", true},
		{"nothing stored", Token{}, ErrTokenNotFound, "", true},
		{"store failure", Token{}, errors.New("connection refused"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(mockStore)
			store.On("GetToken", ctx, "u1").Return(tt.token, tt.err)

			creds, err := NewResolver(store).Resolve(ctx, "u1")
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrCredentialsUnavailable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, creds.AccessToken)
			assert.Equal(t, tt.token.Username, creds.Username)
			store.AssertExpectations(t)
		})
	}
}

func TestResolver_UsernameAndAccessToken(t *testing.T) {
	ctx := context.Background()
	store := new(mockStore)
	store.On("GetToken", ctx, "u1").Return(Token{Username: "alice@example.com", AccessToken: "tok"}, nil)

	r := NewResolver(store)

	username, err := r.Username(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", username)

	token, err := r.AccessToken(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "tok", token)

	store.AssertNotCalled(t, "SaveToken", mock.Anything, mock.Anything, mock.Anything)
}

func newTokenServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestResolver_Refresh(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	expired := Token{
		Username:     "alice@example.com",
		AccessToken:  "old",
		RefreshToken: "refresh-1",
		Expiry:       now.Add(-time.Hour),
	}

	t.Run("refreshes and writes back an expired token", func(t *testing.T) {
		srv, calls := newTokenServer(t, http.StatusOK, `{"access_token":"new","token_type":"Bearer","expires_in":3600}`)
		ring := keyring.NewArrayKeyring(nil)
		store := NewKeyringStore(ring)
		require.NoError(t, store.SaveToken(ctx, "u1", expired))

		r := NewResolver(store,
			WithOAuth2(&oauth2.Config{ClientID: "id", ClientSecret: "secret", Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}),
			WithClock(func() time.Time { return now }))

		creds, err := r.Resolve(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "new", creds.AccessToken)
		assert.Equal(t, int32(1), calls.Load())

		stored, err := store.GetToken(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "new", stored.AccessToken)
		assert.Equal(t, "refresh-1", stored.RefreshToken, "refresh token is kept when the server sends none")
		assert.True(t, stored.Expiry.After(now))
	})

	t.Run("failed refresh makes credentials unavailable", func(t *testing.T) {
		srv, _ := newTokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant"}`)
		store := new(mockStore)
		store.On("GetToken", ctx, "u1").Return(expired, nil)

		r := NewResolver(store,
			WithOAuth2(&oauth2.Config{ClientID: "id", Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}),
			WithClock(func() time.Time { return now }))

		_, err := r.Resolve(ctx, "u1")
		assert.ErrorIs(t, err, ErrCredentialsUnavailable)
		store.AssertNotCalled(t, "SaveToken", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("store write failure still returns the fresh token", func(t *testing.T) {
		srv, _ := newTokenServer(t, http.StatusOK, `{"access_token":"new","token_type":"Bearer","refresh_token":"refresh-2","expires_in":3600}`)
		store := new(mockStore)
		store.On("GetToken", ctx, "u1").Return(expired, nil)
		store.On("SaveToken", ctx, "u1", mock.MatchedBy(func(tok Token) bool {
			return tok.AccessToken == "new" && tok.RefreshToken == "refresh-2"
		})).Return(errors.New("read-only"))

		r := NewResolver(store,
			WithOAuth2(&oauth2.Config{ClientID: "id", Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}),
			WithClock(func() time.Time { return now }))

		creds, err := r.Resolve(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "new", creds.AccessToken)
		store.AssertExpectations(t)
	})

	t.Run("expired token without oauth config is passed through", func(t *testing.T) {
		store := new(mockStore)
		store.On("GetToken", ctx, "u1").Return(expired, nil)

		creds, err := NewResolver(store, WithClock(func() time.Time { return now })).Resolve(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "old", creds.AccessToken)
	})
}

func TestToken_Expired(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.False(t, Token{}.Expired(now))
	assert.True(t, Token{Expiry: now.Add(-time.Minute)}.Expired(now))
	assert.True(t, Token{Expiry: now.Add(10 * time.Second)}.Expired(now))
	assert.False(t, Token{Expiry: now.Add(time.Hour)}.Expired(now))
}

func TestKeyringStore(t *testing.T) {
	ctx := context.Background()
	store := NewKeyringStore(keyring.NewArrayKeyring(nil))

	_, err := store.GetToken(ctx, "missing")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	token := Token{Username: "bob@example.com", AccessToken: "abc", Expiry: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, store.SaveToken(ctx, "u2", token))

	got, err := store.GetToken(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, token.Username, got.Username)
	assert.Equal(t, token.AccessToken, got.AccessToken)
	assert.True(t, token.Expiry.Equal(got.Expiry))

	require.NoError(t, store.DeleteToken(ctx, "u2"))
	_, err = store.GetToken(ctx, "u2")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}
