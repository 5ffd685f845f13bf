// Package gateway composes credential resolution, the IMAP client and SMTP
// submission into per-user mailbox operations.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/achingono/papermail-sub000/internal/imap"
	"github.com/achingono/papermail-sub000/internal/metrics"
	"github.com/achingono/papermail-sub000/internal/models"
)

// DefaultPageSize is used when a caller asks for a non-positive page size.
const DefaultPageSize = 50

var (
	// ErrNotFound means no message has the requested id.
	ErrNotFound = imap.ErrMessageNotFound
	// ErrAuthFailed means the mail server refused the credentials.
	ErrAuthFailed = imap.ErrAuthFailed
	// ErrUnavailable marks read results that were degraded because the
	// mailbox could not be reached.
	ErrUnavailable = errors.New("mailbox unavailable")
	// ErrNoRecipients is returned by Send for a message without recipients.
	ErrNoRecipients = errors.New("message has no recipients")
)

// AccountStore returns the connection settings of a user.
type AccountStore interface {
	GetConnectionSettings(ctx context.Context, userID string) (models.ConnectionSettings, error)
}

// CredentialResolver returns the credentials of a user.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID string) (models.Credentials, error)
}

// MailClient is the protocol client bound to one account.
type MailClient interface {
	FetchPage(ctx context.Context, role models.FolderRole, skip, take int) (*models.EmailPage, error)
	FetchByID(ctx context.Context, role models.FolderRole, id models.StableID) (*models.Email, error)
	Count(ctx context.Context, role models.FolderRole) (int, error)
	SetFlag(ctx context.Context, role models.FolderRole, id models.StableID, flag string, value bool) error
	Delete(ctx context.Context, role models.FolderRole, id models.StableID) error
	Move(ctx context.Context, source, destination models.FolderRole, id models.StableID) error
	Append(ctx context.Context, role models.FolderRole, email models.Email, flags ...string) error
	Watch(ctx context.Context, role models.FolderRole, notify func(imap.Change)) error
}

// ClientFactory binds a MailClient to an account.
type ClientFactory func(settings models.ConnectionSettings, creds models.Credentials) MailClient

// NewClientFactory returns a factory for *imap.Client with opts applied.
func NewClientFactory(opts ...imap.Option) ClientFactory {
	return func(settings models.ConnectionSettings, creds models.Credentials) MailClient {
		return imap.NewClient(settings, creds, opts...)
	}
}

// Sender submits an encoded message.
type Sender interface {
	Send(ctx context.Context, settings models.ConnectionSettings, creds models.Credentials, from string, to []string, raw []byte) error
}

// Gateway runs mailbox operations for any user.
type Gateway struct {
	accounts  AccountStore
	resolver  CredentialResolver
	newClient ClientFactory
	sender    Sender
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	watchBackoff time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithWatchBackoff sets the minimum delay between watcher reconnects.
func WithWatchBackoff(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.watchBackoff = d
		}
	}
}

// New returns a Gateway.
func New(accounts AccountStore, resolver CredentialResolver, newClient ClientFactory, sender Sender, opts ...Option) *Gateway {
	g := &Gateway{
		accounts:     accounts,
		resolver:     resolver,
		newClient:    newClient,
		sender:       sender,
		logger:       zap.NewNop(),
		now:          time.Now,
		watchBackoff: defaultWatchBackoff,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	return g
}

// account is one resolved user.
type account struct {
	settings models.ConnectionSettings
	creds    models.Credentials
	client   MailClient
}

func (g *Gateway) account(ctx context.Context, userID string) (*account, error) {
	creds, err := g.resolver.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	settings, err := g.accounts.GetConnectionSettings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection settings: %w", err)
	}

	return &account{
		settings: settings,
		creds:    creds,
		client:   g.newClient(settings, creds),
	}, nil
}

// degrade reports whether a read error should become an empty result.
// Cancellation is never degraded.
func degrade(ctx context.Context, err error) bool {
	return ctx.Err() == nil && imap.IsUnavailable(err)
}

// ListFolder returns one page of the folder. page is zero based.
func (g *Gateway) ListFolder(ctx context.Context, userID string, role models.FolderRole, page, pageSize int) (*models.EmailPage, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	skip := pageOffset(page, pageSize)

	acc, err := g.account(ctx, userID)
	if err != nil {
		return nil, err
	}

	result, err := acc.client.FetchPage(ctx, role, skip, pageSize)
	if err != nil {
		if degrade(ctx, err) {
			g.logger.Warn("Folder unavailable, returning an empty page",
				zap.String("user_id", userID), zap.Stringer("folder", role), zap.Error(err))
			empty := models.EmptyPage(role, skip, pageSize)
			empty.Unavailable = true
			return empty, nil
		}
		return nil, err
	}
	return result, nil
}

// pageOffset returns the number of messages before the page, clamped to
// [0, math.MaxInt32]. No mailbox holds that many messages, so a clamped
// offset reads as a page past the end.
func pageOffset(page, pageSize int) int {
	if page <= 0 {
		return 0
	}
	if page > math.MaxInt32/pageSize {
		return math.MaxInt32
	}
	return page * pageSize
}

// GetInbox returns a page of the inbox.
func (g *Gateway) GetInbox(ctx context.Context, userID string, page, pageSize int) (*models.EmailPage, error) {
	return g.ListFolder(ctx, userID, models.FolderInbox, page, pageSize)
}

// GetSent returns a page of the Sent folder.
func (g *Gateway) GetSent(ctx context.Context, userID string, page, pageSize int) (*models.EmailPage, error) {
	return g.ListFolder(ctx, userID, models.FolderSent, page, pageSize)
}

// GetDrafts returns a page of the Drafts folder.
func (g *Gateway) GetDrafts(ctx context.Context, userID string, page, pageSize int) (*models.EmailPage, error) {
	return g.ListFolder(ctx, userID, models.FolderDrafts, page, pageSize)
}

// GetArchive returns a page of the Archive folder.
func (g *Gateway) GetArchive(ctx context.Context, userID string, page, pageSize int) (*models.EmailPage, error) {
	return g.ListFolder(ctx, userID, models.FolderArchive, page, pageSize)
}

// GetJunk returns a page of the Junk folder.
func (g *Gateway) GetJunk(ctx context.Context, userID string, page, pageSize int) (*models.EmailPage, error) {
	return g.ListFolder(ctx, userID, models.FolderJunk, page, pageSize)
}

// GetTrash returns a page of the Trash folder.
func (g *Gateway) GetTrash(ctx context.Context, userID string, page, pageSize int) (*models.EmailPage, error) {
	return g.ListFolder(ctx, userID, models.FolderTrash, page, pageSize)
}

// GetEmail returns one message. A missing message is ErrNotFound. When the
// mailbox cannot be reached the error matches both ErrNotFound and
// ErrUnavailable, so callers can treat it as absent.
func (g *Gateway) GetEmail(ctx context.Context, userID string, role models.FolderRole, id models.StableID) (*models.Email, error) {
	acc, err := g.account(ctx, userID)
	if err != nil {
		return nil, err
	}

	email, err := acc.client.FetchByID(ctx, role, id)
	if err != nil {
		if degrade(ctx, err) {
			g.logger.Warn("Folder unavailable, treating message as absent",
				zap.String("user_id", userID), zap.Stringer("folder", role), zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrNotFound, ErrUnavailable)
		}
		return nil, err
	}
	return email, nil
}

// Count returns the number of messages in the folder.
func (g *Gateway) Count(ctx context.Context, userID string, role models.FolderRole) (models.FolderCount, error) {
	acc, err := g.account(ctx, userID)
	if err != nil {
		return models.FolderCount{}, err
	}
	return g.count(ctx, userID, acc, role)
}

func (g *Gateway) count(ctx context.Context, userID string, acc *account, role models.FolderRole) (models.FolderCount, error) {
	total, err := acc.client.Count(ctx, role)
	if err != nil {
		if degrade(ctx, err) {
			g.logger.Warn("Folder unavailable, counting it as empty",
				zap.String("user_id", userID), zap.Stringer("folder", role), zap.Error(err))
			return models.FolderCount{Role: role, Unavailable: true}, nil
		}
		return models.FolderCount{}, err
	}
	return models.FolderCount{Role: role, Total: total}, nil
}

// Counts returns the totals of all six folders, read concurrently.
func (g *Gateway) Counts(ctx context.Context, userID string) ([]models.FolderCount, error) {
	acc, err := g.account(ctx, userID)
	if err != nil {
		return nil, err
	}

	counts := make([]models.FolderCount, len(models.AllFolderRoles))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, role := range models.AllFolderRoles {
		eg.Go(func() error {
			c, err := g.count(egCtx, userID, acc, role)
			if err != nil {
				return err
			}
			counts[i] = c
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}
