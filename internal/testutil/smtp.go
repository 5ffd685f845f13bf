package testutil

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/achingono/papermail-sub000/internal/models"
	"github.com/achingono/papermail-sub000/internal/xoauth2"
)

// MemoryBackend is a simple in-memory SMTP backend for testing. It accepts
// PLAIN with its username/password and XOAUTH2 with TestAccessToken.
type MemoryBackend struct {
	mu       sync.Mutex
	messages []*ReceivedMessage
	username string
	password string
	auths    []string
}

// ReceivedMessage is one message accepted by the test SMTP server.
type ReceivedMessage struct {
	From string
	To   []string
	Data []byte
	// TLS is set when the message arrived over an encrypted connection.
	TLS bool
}

// NewMemoryBackend creates a new in-memory SMTP backend.
func NewMemoryBackend(username, password string) *MemoryBackend {
	return &MemoryBackend{
		messages: make([]*ReceivedMessage, 0),
		username: username,
		password: password,
	}
}

// NewSession creates a new SMTP session.
func (b *MemoryBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	_, secure := c.TLSConnectionState()
	return &memorySession{backend: b, tls: secure}, nil
}

// GetMessages returns all received messages.
func (b *MemoryBackend) GetMessages() []*ReceivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*ReceivedMessage(nil), b.messages...)
}

// ClearMessages clears all stored messages.
func (b *MemoryBackend) ClearMessages() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = make([]*ReceivedMessage, 0)
}

// AuthMechanismsUsed returns the SASL mechanisms of successful logins.
func (b *MemoryBackend) AuthMechanismsUsed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.auths...)
}

func (b *MemoryBackend) recordAuth(mech string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auths = append(b.auths, mech)
}

type memorySession struct {
	backend       *MemoryBackend
	from          string
	to            []string
	authenticated bool
	tls           bool
}

var _ smtp.AuthSession = (*memorySession)(nil)

func (s *memorySession) AuthMechanisms() []string {
	return []string{sasl.Plain, xoauth2.Mechanism}
}

func (s *memorySession) Auth(mech string) (sasl.Server, error) {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if username != s.backend.username || password != s.backend.password {
				return errors.New("invalid credentials")
			}
			s.authenticated = true
			s.backend.recordAuth(mech)
			return nil
		}), nil
	case xoauth2.Mechanism:
		return xoauth2.NewServer(func(username, token string) error {
			if username != s.backend.username || token != TestAccessToken {
				return errors.New("invalid token")
			}
			s.authenticated = true
			s.backend.recordAuth(mech)
			return nil
		}), nil
	default:
		return nil, smtp.ErrAuthUnknownMechanism
	}
}

func (s *memorySession) Mail(from string, opts *smtp.MailOptions) error {
	if !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *memorySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *memorySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	s.backend.messages = append(s.backend.messages, &ReceivedMessage{
		From: s.from,
		To:   s.to,
		Data: data,
		TLS:  s.tls,
	})

	return nil
}

func (s *memorySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *memorySession) Logout() error {
	return nil
}

// TestSMTPServer represents a test SMTP server instance.
type TestSMTPServer struct {
	Server   *smtp.Server
	Address  string
	Backend  *MemoryBackend
	cleanup  func()
	username string
	password string
}

// SMTPOption configures a TestSMTPServer.
type SMTPOption func(*smtpOptions)

type smtpOptions struct {
	startTLS bool
}

// WithSTARTTLS advertises STARTTLS with a self-signed certificate.
func WithSTARTTLS() SMTPOption {
	return func(o *smtpOptions) { o.startTLS = true }
}

// NewTestSMTPServer creates a new test SMTP server with an in-memory backend.
// It accepts the same username as the test IMAP server.
func NewTestSMTPServer(t *testing.T, opts ...SMTPOption) *TestSMTPServer {
	t.Helper()

	s, err := startSMTPServer("127.0.0.1:0", opts...)
	if err != nil {
		t.Fatalf("Failed to start SMTP server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// NewTestSMTPServerAt starts a test SMTP server on a fixed address outside of tests.
func NewTestSMTPServerAt(addr string, opts ...SMTPOption) (*TestSMTPServer, error) {
	return startSMTPServer(addr, opts...)
}

func startSMTPServer(addr string, opts ...SMTPOption) (*TestSMTPServer, error) {
	var o smtpOptions
	for _, opt := range opts {
		opt(&o)
	}

	username := "username"
	password := "password"

	be := NewMemoryBackend(username, password)

	s := smtp.NewServer(be)
	s.AllowInsecureAuth = true
	s.Domain = "localhost"
	if o.startTLS {
		cfg, err := selfSignedTLSConfig()
		if err != nil {
			return nil, err
		}
		s.TLSConfig = cfg
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.Addr = listener.Addr().String()

	go func() {
		_ = s.Serve(listener)
	}()

	return &TestSMTPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		cleanup:  func() { _ = s.Close() },
		username: username,
		password: password,
	}, nil
}

// Close shuts down the test SMTP server.
func (s *TestSMTPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// Username returns the test username.
func (s *TestSMTPServer) Username() string {
	return s.username
}

// Password returns the test password.
func (s *TestSMTPServer) Password() string {
	return s.password
}

// Endpoint returns a plain-text endpoint for the server.
func (s *TestSMTPServer) Endpoint() models.Endpoint {
	return endpointFor(s.Address)
}

// GetMessages returns all messages received by the server.
func (s *TestSMTPServer) GetMessages() []*ReceivedMessage {
	return s.Backend.GetMessages()
}

// ClearMessages clears all stored messages.
func (s *TestSMTPServer) ClearMessages() {
	s.Backend.ClearMessages()
}
