package testutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/emersion/go-sasl"

	"github.com/achingono/papermail-sub000/internal/models"
	"github.com/achingono/papermail-sub000/internal/xoauth2"
)

// TestAccessToken is the OAuth2 token the test IMAP and SMTP servers accept.
const TestAccessToken = "test-access-token"

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	cleanup  func()
	username string
	password string

	xoauth2Attempts atomic.Int32
	rejectXOAuth2   atomic.Bool
	refuseDeleted   atomic.Bool
}

// IMAPOption configures a TestIMAPServer.
type IMAPOption func(*imapOptions)

type imapOptions struct {
	xoauth2 bool
	noMove  bool
}

// WithoutXOAuth2 starts the server without advertising AUTH=XOAUTH2.
func WithoutXOAuth2() IMAPOption {
	return func(o *imapOptions) { o.xoauth2 = false }
}

// WithoutMoveCapability hides MOVE from the capabilities clients see, so
// they fall back to COPY, STORE and EXPUNGE.
func WithoutMoveCapability() IMAPOption {
	return func(o *imapOptions) { o.noMove = true }
}

// NewTestIMAPServer creates a new test IMAP server with an in-memory backend.
// The memory backend creates a default user with username "username" and password "password".
// XOAUTH2 is advertised and accepts TestAccessToken unless disabled.
func NewTestIMAPServer(t *testing.T, opts ...IMAPOption) *TestIMAPServer {
	t.Helper()

	s, err := startIMAPServer("127.0.0.1:0", opts...)
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	t.Cleanup(s.Close)

	return s
}

// NewTestIMAPServerAt starts a test IMAP server on a fixed address outside of tests.
func NewTestIMAPServerAt(addr string, opts ...IMAPOption) (*TestIMAPServer, error) {
	return startIMAPServer(addr, opts...)
}

func startIMAPServer(addr string, opts ...IMAPOption) (*TestIMAPServer, error) {
	o := imapOptions{xoauth2: true}
	for _, opt := range opts {
		opt(&o)
	}

	be := memory.New()

	ts := &TestIMAPServer{
		Backend:  be,
		username: "username",
		password: "password",
	}
	faulty := faultyBackend{Backend: be, refuseDeleted: &ts.refuseDeleted}

	s := server.New(faulty)
	s.AllowInsecureAuth = true
	ts.Server = s

	if o.xoauth2 {
		s.EnableAuth(xoauth2.Mechanism, func(conn server.Conn) sasl.Server {
			return xoauth2.NewServer(func(username, token string) error {
				ts.xoauth2Attempts.Add(1)
				if ts.rejectXOAuth2.Load() || token != TestAccessToken {
					return errors.New("invalid token")
				}
				user, err := be.Login(conn.Info(), username, ts.password)
				if err != nil {
					return err
				}
				ctx := conn.Context()
				ctx.State = imap.AuthenticatedState
				ctx.User = user
				return nil
			})
		})
	}

	serverAddr := addr
	if o.noMove {
		serverAddr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	ts.Address = listener.Addr().String()

	go func() {
		_ = s.Serve(listener)
	}()

	ts.cleanup = func() {
		_ = s.Close()
	}

	if o.noMove {
		filter, err := startCapabilityFilter(addr, ts.Address)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to listen: %w", err)
		}
		ts.Address = filter.Addr()
		ts.cleanup = func() {
			_ = filter.Close()
			_ = s.Close()
		}
	}

	return ts, nil
}

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// RejectXOAuth2 makes the server refuse every XOAUTH2 exchange while still
// advertising the mechanism.
func (s *TestIMAPServer) RejectXOAuth2(reject bool) {
	s.rejectXOAuth2.Store(reject)
}

// XOAuth2Attempts returns how many XOAUTH2 exchanges the server has seen.
func (s *TestIMAPServer) XOAuth2Attempts() int {
	return int(s.xoauth2Attempts.Load())
}

// Endpoint returns a plain-text endpoint for the server.
func (s *TestIMAPServer) Endpoint() models.Endpoint {
	return endpointFor(s.Address)
}

func endpointFor(addr string) models.Endpoint {
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return models.Endpoint{Host: host, Port: port, TLS: models.TLSNone}
}

// Dial connects and logs in as the default user. Callers log out.
func (s *TestIMAPServer) Dial() (*imapclient.Client, error) {
	client, err := imapclient.Dial(s.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test server: %w", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	return client, nil
}

// Connect creates a new IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := s.Dial()
	if err != nil {
		t.Fatal(err)
	}

	cleanup := func() {
		_ = client.Logout()
	}

	return client, cleanup
}

// EmptyFolder removes every message from the folder. The memory backend
// seeds INBOX with one message, which most tests do not want.
func (s *TestIMAPServer) EmptyFolder(t *testing.T, folderName string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	status, err := client.Select(folderName, false)
	if err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	if status.Messages == 0 {
		return
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, status.Messages)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := client.Store(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		t.Fatalf("Failed to flag messages: %v", err)
	}
	if err := client.Expunge(nil); err != nil {
		t.Fatalf("Failed to expunge: %v", err)
	}
}

// CreateFolder creates a folder for the default user.
func (s *TestIMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if err := client.Create(name); err != nil {
		t.Fatalf("Failed to create folder %s: %v", name, err)
	}
}

// FolderNames lists all folders of the default user.
func (s *TestIMAPServer) FolderNames(t *testing.T) []string {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	ch := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- client.List("", "*", ch)
	}()

	var names []string
	for m := range ch {
		names = append(names, m.Name)
	}
	if err := <-done; err != nil {
		t.Fatalf("Failed to list folders: %v", err)
	}
	return names
}

// MessageCount returns the number of messages in a folder.
func (s *TestIMAPServer) MessageCount(t *testing.T, folderName string) int {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	status, err := client.Select(folderName, true)
	if err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	return int(status.Messages)
}

// AppendRaw stores a raw RFC 5322 message in the folder.
func (s *TestIMAPServer) AppendRaw(t *testing.T, folderName, raw string, flags ...string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	raw = strings.ReplaceAll(strings.ReplaceAll(raw, "\r\n", "\n"), "\n", "\r\n")
	if err := client.Append(folderName, flags, time.Now(), strings.NewReader(raw)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}
}

// AddMessage adds a plain-text test message to the specified folder and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName, messageID, subject, from, to string, sentAt time.Time) uint32 {
	t.Helper()

	headers := ""
	if messageID != "" {
		headers += "Message-ID: " + messageID + "\n"
	}
	headers += "Date: " + sentAt.Format(time.RFC1123Z) + "\n"
	if from != "" {
		headers += "From: " + from + "\n"
	}
	if to != "" {
		headers += "To: " + to + "\n"
	}
	messageBody := headers + fmt.Sprintf("Subject: %s\nContent-Type: text/plain; charset=utf-8\n\nTest message body.\n", subject)

	s.AppendRaw(t, folderName, messageBody)

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select(folderName, true); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}

	// The newest message has the highest UID.
	uids, err := client.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		t.Fatalf("Failed to search for message: %v", err)
	}
	if len(uids) == 0 {
		t.Fatalf("Message not found after append")
	}

	highest := uids[0]
	for _, uid := range uids {
		if uid > highest {
			highest = uid
		}
	}
	return highest
}

// CreateSpecialFolders creates Sent, Drafts, Archive, Junk and Trash. The
// memory backend is not safe for concurrent folder creation, so tests that
// read several folders in parallel create them up front.
func (s *TestIMAPServer) CreateSpecialFolders(t *testing.T) {
	t.Helper()
	for _, name := range []string{"Sent", "Drafts", "Archive", "Junk", "Trash"} {
		s.CreateFolder(t, name)
	}
}
