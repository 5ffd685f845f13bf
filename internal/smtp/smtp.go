// Package smtp submits encoded messages to the user's outgoing mail server.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/achingono/papermail-sub000/internal/metrics"
	"github.com/achingono/papermail-sub000/internal/models"
	"github.com/achingono/papermail-sub000/internal/xoauth2"
)

const (
	implicitTLSPort = 465

	defaultDialTimeout = 10 * time.Second
	defaultLocalName   = "localhost"
)

// Error kinds returned by Sender.
var (
	ErrAuthFailed   = errors.New("smtp authentication failed")
	ErrConnection   = errors.New("smtp connection failed")
	ErrRejected     = errors.New("smtp server rejected the message")
	ErrNoRecipients = errors.New("message has no recipients")
)

// Error describes a failed submission.
type Error struct {
	Stage  string
	Kind   error
	Detail string

	ctxErr error
}

func (e *Error) Error() string {
	msg := "smtp " + e.Stage + ": " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.ctxErr != nil {
		return []error{e.Kind, e.ctxErr}
	}
	return []error{e.Kind}
}

func newError(ctx context.Context, stage string, kind, cause error) error {
	e := &Error{Stage: stage, Kind: kind}
	if cause != nil {
		e.Detail = cause.Error()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		e.ctxErr = ctxErr
		if kind == ErrRejected {
			e.Kind = ErrConnection
		}
	}
	return e
}

// Sender submits messages over SMTP. It holds no connection between calls.
type Sender struct {
	logger      *zap.Logger
	metrics     *metrics.Metrics
	dialTimeout time.Duration
	tlsConfig   *tls.Config
	localName   string
}

// Option configures a Sender.
type Option func(*Sender)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Sender) { s.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sender) { s.metrics = m }
}

// WithDialTimeout bounds connection setup.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// WithTLSConfig sets the base TLS configuration.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Sender) { s.tlsConfig = cfg }
}

// WithLocalName sets the name sent in EHLO.
func WithLocalName(name string) Option {
	return func(s *Sender) {
		if name != "" {
			s.localName = name
		}
	}
}

// NewSender returns a Sender.
func NewSender(opts ...Option) *Sender {
	s := &Sender{
		logger:      zap.NewNop(),
		dialTimeout: defaultDialTimeout,
		localName:   defaultLocalName,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Send submits raw from the given envelope sender to the recipients.
func (s *Sender) Send(ctx context.Context, settings models.ConnectionSettings, creds models.Credentials, from string, to []string, raw []byte) (err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOp("smtp_send", start, err) }()

	if len(to) == 0 {
		return &Error{Stage: "envelope", Kind: ErrNoRecipients}
	}

	c, stop, err := s.dial(ctx, settings.SMTP)
	if err != nil {
		return newError(ctx, "connect", ErrConnection, err)
	}
	defer stop()
	defer func() { _ = c.Close() }()

	if err := s.authenticate(c, settings, creds); err != nil {
		return newError(ctx, "authenticate", ErrAuthFailed, err)
	}

	if err := c.SendMail(from, to, bytes.NewReader(raw)); err != nil {
		return newError(ctx, "send", ErrRejected, err)
	}

	if err := c.Quit(); err != nil {
		s.logger.Debug("SMTP QUIT failed after delivery", zap.Error(err))
	}

	s.logger.Info("Message submitted",
		zap.String("smtp_host", settings.SMTP.Host),
		zap.String("from", from),
		zap.Int("recipients", len(to)))
	return nil
}

// dial connects and secures the session. Implicit TLS is used on 465 and
// STARTTLS when the endpoint requires it. In auto mode the server is asked
// first and the session is redialed with STARTTLS when it offers it.
func (s *Sender) dial(ctx context.Context, ep models.Endpoint) (*smtp.Client, func() bool, error) {
	switch {
	case usesImplicitTLS(ep), ep.TLS == models.TLSNone:
		return s.dialPlain(ctx, ep)
	case ep.TLS == models.TLSStartTLS:
		return s.dialStartTLS(ctx, ep)
	}

	c, stop, err := s.dialPlain(ctx, ep)
	if err != nil {
		return nil, nil, err
	}
	if ok, _ := c.Extension("STARTTLS"); !ok {
		return c, stop, nil
	}

	_ = c.Quit()
	stop()
	_ = c.Close()
	return s.dialStartTLS(ctx, ep)
}

// dialPlain greets the server over a plain or implicit TLS connection.
func (s *Sender) dialPlain(ctx context.Context, ep models.Endpoint) (*smtp.Client, func() bool, error) {
	conn, stop, err := s.connect(ctx, ep)
	if err != nil {
		return nil, nil, err
	}

	c := smtp.NewClient(conn)
	if err := c.Hello(s.localName); err != nil {
		stop()
		_ = c.Close()
		return nil, nil, fmt.Errorf("failed to greet server: %w", err)
	}
	return c, stop, nil
}

// dialStartTLS upgrades a fresh connection with STARTTLS and greets the
// server again over the encrypted channel.
func (s *Sender) dialStartTLS(ctx context.Context, ep models.Endpoint) (*smtp.Client, func() bool, error) {
	conn, stop, err := s.connect(ctx, ep)
	if err != nil {
		return nil, nil, err
	}

	c, err := smtp.NewClientStartTLS(conn, s.tlsConfigFor(ep))
	if err != nil {
		stop()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to start TLS: %w", err)
	}
	if err := c.Hello(s.localName); err != nil {
		stop()
		_ = c.Close()
		return nil, nil, fmt.Errorf("failed to greet server: %w", err)
	}
	return c, stop, nil
}

// connect opens the TCP connection and runs the implicit TLS handshake when
// the endpoint uses it. The returned stop function detaches the
// cancellation hook.
func (s *Sender) connect(ctx context.Context, ep models.Endpoint) (net.Conn, func() bool, error) {
	dialer := &net.Dialer{Timeout: s.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	if usesImplicitTLS(ep) {
		tlsConn := tls.Client(conn, s.tlsConfigFor(ep))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			stop()
			_ = conn.Close()
			return nil, nil, fmt.Errorf("failed TLS handshake: %w", err)
		}
		conn = tlsConn
	}
	return conn, stop, nil
}

// authenticate tries XOAUTH2 with the access token, then PLAIN with the
// password. Servers that advertise no AUTH at all are used unauthenticated.
func (s *Sender) authenticate(c *smtp.Client, settings models.ConnectionSettings, creds models.Credentials) error {
	ok, params := c.Extension("AUTH")
	if !ok {
		return nil
	}
	mechanisms := strings.Fields(strings.ToUpper(params))

	var errs []error
	if creds.AccessToken != "" && contains(mechanisms, xoauth2.Mechanism) {
		err := c.Auth(xoauth2.NewClient(creds.Username, creds.AccessToken))
		s.recordAttempt(xoauth2.Mechanism, err)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", xoauth2.Mechanism, err))
	}

	password := creds.Password(settings)
	if password != "" && contains(mechanisms, sasl.Plain) {
		err := c.Auth(sasl.NewPlainClient("", creds.Username, password))
		s.recordAttempt(sasl.Plain, err)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", sasl.Plain, err))
	}

	if len(errs) == 0 {
		return fmt.Errorf("no usable mechanism among %v", mechanisms)
	}
	return errors.Join(errs...)
}

func (s *Sender) recordAttempt(mechanism string, err error) {
	outcome := "succeeded"
	if err != nil {
		outcome = "rejected"
	}
	s.metrics.AuthAttempt("smtp_"+mechanism, outcome)
	s.logger.Debug("SMTP authentication attempt", zap.String("mechanism", mechanism), zap.String("outcome", outcome))
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
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

func (s *Sender) tlsConfigFor(ep models.Endpoint) *tls.Config {
	var cfg *tls.Config
	if s.tlsConfig != nil {
		cfg = s.tlsConfig.Clone()
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

// IsAuthFailed reports whether err is an authentication failure.
func IsAuthFailed(err error) bool {
	return errors.Is(err, ErrAuthFailed)
}
