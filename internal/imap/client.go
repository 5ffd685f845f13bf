package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"github.com/achingono/papermail-sub000/internal/identity"
	"github.com/achingono/papermail-sub000/internal/metrics"
	"github.com/achingono/papermail-sub000/internal/models"
)

const (
	implicitTLSPort = 993

	defaultDialTimeout    = 10 * time.Second
	defaultCommandTimeout = 60 * time.Second
	logoutTimeout         = 5 * time.Second
)

// Client performs mail operations for one user. Every public method opens
// its own connection, authenticates, does its work and disconnects, so a
// Client holds no connection between calls and is safe for concurrent use.
type Client struct {
	settings models.ConnectionSettings
	creds    models.Credentials

	logger         *zap.Logger
	metrics        *metrics.Metrics
	limiter        *Limiter
	strategies     []AuthStrategy
	scanner        identity.Scanner
	dialTimeout    time.Duration
	commandTimeout time.Duration
	tlsConfig      *tls.Config
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLimiter bounds concurrent connections per server account.
func WithLimiter(l *Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithAuthStrategies replaces the default {XOAUTH2, password} order.
func WithAuthStrategies(strategies ...AuthStrategy) Option {
	return func(c *Client) { c.strategies = strategies }
}

// WithTimeouts sets the dial and per-command timeouts.
func WithTimeouts(dial, command time.Duration) Option {
	return func(c *Client) {
		if dial > 0 {
			c.dialTimeout = dial
		}
		if command > 0 {
			c.commandTimeout = command
		}
	}
}

// WithScanBatchSize sets the number of envelopes fetched per identity scan batch.
func WithScanBatchSize(n int) Option {
	return func(c *Client) { c.scanner = identity.Scanner{BatchSize: n} }
}

// WithTLSConfig sets the base TLS configuration.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = cfg }
}

// NewClient returns a Client bound to one account.
func NewClient(settings models.ConnectionSettings, creds models.Credentials, opts ...Option) *Client {
	c := &Client{
		settings:       settings,
		creds:          creds,
		logger:         zap.NewNop(),
		strategies:     DefaultAuthStrategies(),
		scanner:        identity.NewScanner(),
		dialTimeout:    defaultDialTimeout,
		commandTimeout: defaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("imap_host", settings.IMAP.Host), zap.String("username", creds.Username))
	return c
}

// session is one authenticated connection. It exists for the duration of a
// single public Client call.
type session struct {
	c       *client.Client
	cl      *Client
	folders map[models.FolderRole]string
	// Attempts records the authentication strategies tried.
	attempts []AuthAttempt

	stopWatch func() bool
	release   func()
}

// connect moves a session from Disconnected to Authenticated. The returned
// session must be closed by the caller.
func (cl *Client) connect(ctx context.Context) (*session, error) {
	release, err := cl.limiter.Acquire(ctx, cl.settings.IMAP.Host+"|"+cl.creds.Username)
	if err != nil {
		return nil, newOpError(ctx, "connect", "", ErrConnection, err)
	}

	c, stop, err := cl.dial(ctx)
	if err != nil {
		release()
		return nil, newOpError(ctx, "connect", "", ErrConnection, err)
	}

	s := &session{
		c:         c,
		cl:        cl,
		folders:   make(map[models.FolderRole]string),
		stopWatch: stop,
		release:   release,
	}

	attempts, err := authenticate(c, cl.creds, cl.settings, cl.strategies)
	s.attempts = attempts
	for _, a := range attempts {
		cl.metrics.AuthAttempt(a.Mechanism, a.Outcome.String())
		cl.logger.Debug("IMAP authentication attempt",
			zap.String("mechanism", a.Mechanism),
			zap.Stringer("outcome", a.Outcome),
			zap.String("detail", a.Detail))
	}
	if err != nil {
		s.close()
		return nil, newOpError(ctx, "authenticate", "", ErrAuthFailed, err)
	}

	return s, nil
}

// dial opens the transport and upgrades it to TLS according to the endpoint
// policy. The returned stop function detaches the cancellation hook.
func (cl *Client) dial(ctx context.Context) (*client.Client, func() bool, error) {
	ep := cl.settings.IMAP
	dialer := &net.Dialer{Timeout: cl.dialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial: %w", err)
	}

	// Closing the socket unblocks any command in flight when ctx is done.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	if usesImplicitTLS(ep) {
		tlsConn := tls.Client(conn, cl.tlsConfigFor(ep))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			stop()
			_ = conn.Close()
			return nil, nil, fmt.Errorf("failed TLS handshake: %w", err)
		}
		conn = tlsConn
	}

	_ = conn.SetDeadline(time.Now().Add(cl.dialTimeout))
	c, err := client.New(conn)
	if err != nil {
		stop()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to read greeting: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	c.ErrorLog = zap.NewStdLog(cl.logger)
	c.Timeout = cl.commandTimeout

	if !usesImplicitTLS(ep) && ep.TLS != models.TLSNone {
		ok, err := c.SupportStartTLS()
		if err != nil {
			stop()
			_ = c.Terminate()
			return nil, nil, fmt.Errorf("failed to read capabilities: %w", err)
		}
		switch {
		case ok:
			if err := c.StartTLS(cl.tlsConfigFor(ep)); err != nil {
				stop()
				_ = c.Terminate()
				return nil, nil, fmt.Errorf("failed to start TLS: %w", err)
			}
		case ep.TLS == models.TLSStartTLS:
			stop()
			_ = c.Terminate()
			return nil, nil, fmt.Errorf("server does not offer STARTTLS")
		}
	}

	return c, stop, nil
}

func usesImplicitTLS(ep models.Endpoint) bool {
	switch ep.TLS {
	case models.TLSImplicit:
		return true
	case models.TLSAuto, "":
		return ep.Port == implicitTLSPort
	default:
		return false
	}
}

func (cl *Client) tlsConfigFor(ep models.Endpoint) *tls.Config {
	var cfg *tls.Config
	if cl.tlsConfig != nil {
		cfg = cl.tlsConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = ep.Host
	}
	if ep.InsecureSkipVerify {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

// close moves the session back to Disconnected. It is safe to call more
// than once.
func (s *session) close() {
	if s.c == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.c.Logout()
	}()
	select {
	case <-done:
	case <-time.After(logoutTimeout):
	}
	_ = s.c.Terminate()
	if s.stopWatch != nil {
		s.stopWatch()
	}
	if s.release != nil {
		s.release()
	}
	s.c = nil
}

// withSession runs fn on a fresh authenticated session and always
// disconnects afterwards.
func (cl *Client) withSession(ctx context.Context, op string, fn func(s *session) error) (err error) {
	start := time.Now()
	defer func() { cl.metrics.ObserveOp(op, start, err) }()

	s, err := cl.connect(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	return fn(s)
}

// Verify connects and authenticates without doing anything else. It
// returns the strategies that were tried.
func (cl *Client) Verify(ctx context.Context) ([]AuthAttempt, error) {
	var attempts []AuthAttempt
	err := cl.withSession(ctx, "verify", func(s *session) error {
		attempts = s.attempts
		return nil
	})
	return attempts, err
}
