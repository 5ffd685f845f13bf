package imap

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/achingono/papermail-sub000/internal/metrics"
	"github.com/achingono/papermail-sub000/internal/models"
	"github.com/achingono/papermail-sub000/internal/testutil"
)

// newTestClient returns a Client for the default user of server. The
// access token is the one the server accepts over XOAUTH2.
func newTestClient(server *testutil.TestIMAPServer, opts ...Option) *Client {
	settings := models.ConnectionSettings{IMAP: server.Endpoint()}
	creds := models.Credentials{Username: server.Username(), AccessToken: testutil.TestAccessToken}
	return NewClient(settings, creds, append([]Option{WithTimeouts(2*time.Second, 5*time.Second)}, opts...)...)
}

func TestClient_Verify(t *testing.T) {
	t.Run("authenticates with XOAUTH2 first", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)

		attempts, err := newTestClient(server, WithMetrics(m)).Verify(context.Background())
		require.NoError(t, err)

		require.Len(t, attempts, 1)
		assert.Equal(t, "XOAUTH2", attempts[0].Mechanism)
		assert.Equal(t, AuthSucceeded, attempts[0].Outcome)
		assert.Equal(t, 1, server.XOAuth2Attempts())
		assert.Equal(t, 1.0, promtestutil.ToFloat64(m.AuthAttempts.WithLabelValues("XOAUTH2", "succeeded")))
	})

	t.Run("falls back to password when the token is rejected", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		server.RejectXOAuth2(true)

		settings := models.ConnectionSettings{IMAP: server.Endpoint(), Password: server.Password()}
		creds := models.Credentials{Username: server.Username(), AccessToken: testutil.TestAccessToken}

		attempts, err := NewClient(settings, creds).Verify(context.Background())
		require.NoError(t, err)

		require.Len(t, attempts, 2)
		assert.Equal(t, AuthRejected, attempts[0].Outcome)
		assert.Equal(t, "LOGIN", attempts[1].Mechanism)
		assert.Equal(t, AuthSucceeded, attempts[1].Outcome)
		assert.Equal(t, 1, server.XOAuth2Attempts())
	})

	t.Run("skips XOAUTH2 when the server does not advertise it", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t, testutil.WithoutXOAuth2())

		settings := models.ConnectionSettings{IMAP: server.Endpoint(), Password: server.Password()}
		creds := models.Credentials{Username: server.Username(), AccessToken: testutil.TestAccessToken}

		attempts, err := NewClient(settings, creds).Verify(context.Background())
		require.NoError(t, err)

		require.Len(t, attempts, 2)
		assert.Equal(t, AuthUnsupported, attempts[0].Outcome)
		assert.Equal(t, AuthSucceeded, attempts[1].Outcome)
		assert.Equal(t, 0, server.XOAuth2Attempts())
	})

	t.Run("skips XOAUTH2 without an access token", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)

		settings := models.ConnectionSettings{IMAP: server.Endpoint(), Password: server.Password()}
		creds := models.Credentials{Username: server.Username()}

		attempts, err := NewClient(settings, creds).Verify(context.Background())
		require.NoError(t, err)
		require.Len(t, attempts, 2)
		assert.Equal(t, AuthUnsupported, attempts[0].Outcome)
		assert.Equal(t, 0, server.XOAuth2Attempts())
	})

	t.Run("reports ErrAuthFailed when every strategy is rejected", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)

		settings := models.ConnectionSettings{IMAP: server.Endpoint()}
		creds := models.Credentials{Username: server.Username(), AccessToken: "wrong-token"}

		attempts, err := NewClient(settings, creds).Verify(context.Background())
		require.Error(t, err)
		assert.True(t, IsAuthFailed(err))
		assert.True(t, IsUnavailable(err))
		assert.Empty(t, attempts)

		var opErr *OpError
		require.True(t, errors.As(err, &opErr))
		assert.Equal(t, "authenticate", opErr.Op)
	})

	t.Run("custom strategy order is honored", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)

		settings := models.ConnectionSettings{IMAP: server.Endpoint(), Password: server.Password()}
		creds := models.Credentials{Username: server.Username(), AccessToken: testutil.TestAccessToken}

		attempts, err := NewClient(settings, creds, WithAuthStrategies(PasswordStrategy{})).Verify(context.Background())
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, "LOGIN", attempts[0].Mechanism)
		assert.Equal(t, 0, server.XOAuth2Attempts())
	})
}

func TestClient_ConnectionFailures(t *testing.T) {
	t.Run("unreachable server is a connection error", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := listener.Addr().(*net.TCPAddr)
		require.NoError(t, listener.Close())

		settings := models.ConnectionSettings{IMAP: models.Endpoint{Host: "127.0.0.1", Port: addr.Port, TLS: models.TLSNone}}
		cl := NewClient(settings, models.Credentials{Username: "u", AccessToken: "t"}, WithTimeouts(time.Second, time.Second))

		_, err = cl.Verify(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConnection))
		assert.False(t, IsAuthFailed(err))
	})

	t.Run("canceled context aborts before connecting", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := newTestClient(server).FetchPage(ctx, models.FolderInbox, 0, 10)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.True(t, errors.Is(err, ErrConnection))
	})

	t.Run("STARTTLS is required when asked for", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		ep := server.Endpoint()
		ep.TLS = models.TLSStartTLS

		cl := NewClient(models.ConnectionSettings{IMAP: ep}, models.Credentials{Username: server.Username(), AccessToken: testutil.TestAccessToken})
		_, err := cl.Verify(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConnection))
	})
}

func TestUsesImplicitTLS(t *testing.T) {
	tests := []struct {
		name string
		ep   models.Endpoint
		want bool
	}{
		{"auto on 993", models.Endpoint{Port: 993, TLS: models.TLSAuto}, true},
		{"auto on 143", models.Endpoint{Port: 143, TLS: models.TLSAuto}, false},
		{"empty mode on 993", models.Endpoint{Port: 993}, true},
		{"implicit on custom port", models.Endpoint{Port: 1993, TLS: models.TLSImplicit}, true},
		{"starttls on 993", models.Endpoint{Port: 993, TLS: models.TLSStartTLS}, false},
		{"none", models.Endpoint{Port: 993, TLS: models.TLSNone}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, usesImplicitTLS(tt.ep))
		})
	}
}

func TestOpError(t *testing.T) {
	t.Run("formats op, folder and detail", func(t *testing.T) {
		err := &OpError{Op: "select", Folder: "Sent", Kind: ErrFolderUnusable, Detail: "no such mailbox"}
		assert.Equal(t, "imap select Sent: folder unusable: no such mailbox", err.Error())
		assert.True(t, errors.Is(err, ErrFolderUnusable))
	})

	t.Run("done context turns protocol errors into connection errors", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := newOpError(ctx, "fetch", "INBOX", ErrProtocol, errors.New("use of closed network connection"))
		assert.True(t, errors.Is(err, ErrConnection))
		assert.True(t, errors.Is(err, context.Canceled))
		assert.False(t, errors.Is(err, ErrProtocol))
	})

	t.Run("existing OpError passes through", func(t *testing.T) {
		inner := &OpError{Op: "scan", Kind: ErrMessageNotFound}
		err := newOpError(context.Background(), "fetch", "", ErrProtocol, inner)
		assert.Same(t, inner, err)
		assert.True(t, IsNotFound(err))
	})
}

func TestLimiter(t *testing.T) {
	t.Run("bounds concurrent slots per key", func(t *testing.T) {
		l := NewLimiter(1)

		release, err := l.Acquire(context.Background(), "a")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = l.Acquire(ctx, "a")
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		other, err := l.Acquire(context.Background(), "b")
		require.NoError(t, err)
		other()

		release()
		release()

		again, err := l.Acquire(context.Background(), "a")
		require.NoError(t, err)
		again()
	})

	t.Run("nil limiter never blocks", func(t *testing.T) {
		var l *Limiter
		release, err := l.Acquire(context.Background(), "a")
		require.NoError(t, err)
		release()
	})

	t.Run("non-positive size uses the default", func(t *testing.T) {
		assert.Equal(t, int64(DefaultConnectionsPerAccount), NewLimiter(0).size)
	})
}
