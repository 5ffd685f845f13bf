package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/achingono/papermail-sub000/internal/imap"
	"github.com/achingono/papermail-sub000/internal/metrics"
	"github.com/achingono/papermail-sub000/internal/models"
)

// Defaults used when the configuration leaves the expiries unset.
const (
	DefaultAbsoluteTTL = 10 * time.Minute
	DefaultSlidingTTL  = 2 * time.Minute
	// DefaultFetchTimeout bounds a backend fetch shared by concurrent misses.
	DefaultFetchTimeout = 2 * time.Minute
)

// Categories that are not folder listings.
const (
	CategoryDetail = "detail"
	CategoryCount  = "count"
	CategoryCounts = "counts"
)

const keyPrefix = "papermail"

// Backend is the gateway the cache sits in front of.
type Backend interface {
	ListFolder(ctx context.Context, userID string, role models.FolderRole, page, pageSize int) (*models.EmailPage, error)
	GetEmail(ctx context.Context, userID string, role models.FolderRole, id models.StableID) (*models.Email, error)
	Count(ctx context.Context, userID string, role models.FolderRole) (models.FolderCount, error)
	Counts(ctx context.Context, userID string) ([]models.FolderCount, error)

	SetRead(ctx context.Context, userID string, role models.FolderRole, id models.StableID, read bool) error
	SetFlagged(ctx context.Context, userID string, role models.FolderRole, id models.StableID, flagged bool) error
	Delete(ctx context.Context, userID string, role models.FolderRole, id models.StableID) error
	Move(ctx context.Context, userID string, source, destination models.FolderRole, id models.StableID) error
	SaveDraft(ctx context.Context, userID string, email models.Email) (models.Email, error)
	Send(ctx context.Context, userID string, email models.Email) (*models.SendResult, error)
	Watch(ctx context.Context, userID string, role models.FolderRole, notify func(imap.Change)) error
}

// SyncCache serves reads from a Store and invalidates a user's entries by
// bumping that user's version after every mutation. Keys embed the version,
// so old entries become unreachable and age out on their own.
type SyncCache struct {
	backend  Backend
	store    Store
	versions Versions
	logger   *zap.Logger
	metrics  *metrics.Metrics
	absolute time.Duration
	sliding  time.Duration
	timeout  time.Duration
	group    singleflight.Group
}

// Option configures a SyncCache.
type Option func(*SyncCache)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *SyncCache) { c.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *SyncCache) { c.metrics = m }
}

// WithTTL sets the absolute and sliding expiry of new entries.
func WithTTL(absolute, sliding time.Duration) Option {
	return func(c *SyncCache) {
		if absolute > 0 {
			c.absolute = absolute
		}
		if sliding > 0 {
			c.sliding = sliding
		}
	}
}

// WithFetchTimeout bounds backend fetches shared between callers.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *SyncCache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New returns a SyncCache over backend.
func New(backend Backend, store Store, versions Versions, opts ...Option) *SyncCache {
	c := &SyncCache{
		backend:  backend,
		store:    store,
		versions: versions,
		logger:   zap.NewNop(),
		absolute: DefaultAbsoluteTTL,
		sliding:  DefaultSlidingTTL,
		timeout:  DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sliding > c.absolute {
		c.sliding = c.absolute
	}
	return c
}

// Key builds the cache key of (user, category, version, params).
func Key(userID, category string, version int64, params ...string) string {
	parts := make([]string, 0, 4+len(params))
	parts = append(parts, keyPrefix, userID, category, "v"+strconv.FormatInt(version, 10))
	parts = append(parts, params...)
	return strings.Join(parts, ":")
}

// Version returns the user's current cache version.
func (c *SyncCache) Version(ctx context.Context, userID string) (int64, error) {
	return c.versions.Current(ctx, userID)
}

// Invalidate bumps the user's version, making every cached entry of the
// user unreachable.
func (c *SyncCache) Invalidate(ctx context.Context, userID string) error {
	// A canceled caller must not leave stale entries reachable.
	ctx = context.WithoutCancel(ctx)
	v, err := c.versions.Bump(ctx, userID)
	if err != nil {
		c.logger.Error("Failed to bump cache version", zap.String("user_id", userID), zap.Error(err))
		return err
	}
	c.metrics.VersionBumped()
	c.logger.Debug("Cache version bumped", zap.String("user_id", userID), zap.Int64("version", v))
	return nil
}

// fetched is the outcome of a shared fetch. raw is the JSON encoding of
// value and is nil only when encoding failed.
type fetched[T any] struct {
	value T
	raw   []byte
}

// load returns the cached value for (user, category, params) or calls fetch
// and caches its result. Concurrent misses on the same key share one fetch,
// which runs detached from any single caller and is bounded by the fetch
// timeout. Each caller waits on its own context and gets its own decoded
// copy, exactly as on a hit. fetch reports whether its result may be cached.
func load[T any](ctx context.Context, c *SyncCache, userID, category string, params []string, fetch func(ctx context.Context) (T, bool, error)) (T, error) {
	var zero T

	version, err := c.versions.Current(ctx, userID)
	if err != nil {
		// Without a version nothing can be cached safely.
		c.logger.Warn("Cache version unavailable, bypassing cache", zap.String("user_id", userID), zap.Error(err))
		v, _, err := fetch(ctx)
		return v, err
	}
	key := Key(userID, category, version, params...)

	if raw, found, err := c.store.Get(ctx, key); err != nil {
		c.logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
	} else if found {
		var v T
		err := json.Unmarshal(raw, &v)
		if err == nil {
			c.metrics.CacheResult(category, true)
			return v, nil
		}
		c.logger.Warn("Ignoring undecodable cache entry", zap.String("key", key), zap.Error(err))
	}
	c.metrics.CacheResult(category, false)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		v, cacheable, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}

		raw, err := json.Marshal(v)
		if err != nil {
			c.logger.Warn("Failed to encode cache entry", zap.String("key", key), zap.Error(err))
			return fetched[T]{value: v}, nil
		}
		if cacheable {
			c.put(fetchCtx, key, raw)
		}
		return fetched[T]{value: v, raw: raw}, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		f := res.Val.(fetched[T])
		if f.raw == nil {
			return f.value, nil
		}
		var v T
		if err := json.Unmarshal(f.raw, &v); err != nil {
			return f.value, nil
		}
		return v, nil
	}
}

func (c *SyncCache) put(ctx context.Context, key string, raw []byte) {
	if err := c.store.Set(ctx, key, raw, c.absolute, c.sliding); err != nil {
		c.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// ListFolder returns a cached page of the folder. Pages that could not be
// read are returned but not cached.
func (c *SyncCache) ListFolder(ctx context.Context, userID string, role models.FolderRole, page, pageSize int) (*models.EmailPage, error) {
	params := []string{strconv.Itoa(page), strconv.Itoa(pageSize)}
	return load(ctx, c, userID, role.String(), params, func(ctx context.Context) (*models.EmailPage, bool, error) {
		p, err := c.backend.ListFolder(ctx, userID, role, page, pageSize)
		if err != nil {
			return nil, false, err
		}
		return p, !p.Unavailable, nil
	})
}

// GetInbox returns a cached page of the inbox.
func (c *SyncCache) GetInbox(ctx context.Context, userID string, page, pageSize int) (*models.EmailPage, error) {
	return c.ListFolder(ctx, userID, models.FolderInbox, page, pageSize)
}

// GetSent returns a cached page of Sent.
func (c *SyncCache) GetSent(ctx context.Context, userID string, page, pageSize int) (*models.EmailPage, error) {
	return c.ListFolder(ctx, userID, models.FolderSent, page, pageSize)
}

// GetDrafts returns a cached page of Drafts.
func (c *SyncCache) GetDrafts(ctx context.Context, userID string, page, pageSize int) (*models.EmailPage, error) {
	return c.ListFolder(ctx, userID, models.FolderDrafts, page, pageSize)
}

// GetArchive returns a cached page of Archive.
func (c *SyncCache) GetArchive(ctx context.Context, userID string, page, pageSize int) (*models.EmailPage, error) {
	return c.ListFolder(ctx, userID, models.FolderArchive, page, pageSize)
}

// GetJunk returns a cached page of Junk.
func (c *SyncCache) GetJunk(ctx context.Context, userID string, page, pageSize int) (*models.EmailPage, error) {
	return c.ListFolder(ctx, userID, models.FolderJunk, page, pageSize)
}

// GetTrash returns a cached page of Trash.
func (c *SyncCache) GetTrash(ctx context.Context, userID string, page, pageSize int) (*models.EmailPage, error) {
	return c.ListFolder(ctx, userID, models.FolderTrash, page, pageSize)
}

// GetEmail returns a cached message. Errors, not found included, are not
// cached.
func (c *SyncCache) GetEmail(ctx context.Context, userID string, role models.FolderRole, id models.StableID) (*models.Email, error) {
	params := []string{role.String(), id.String()}
	return load(ctx, c, userID, CategoryDetail, params, func(ctx context.Context) (*models.Email, bool, error) {
		e, err := c.backend.GetEmail(ctx, userID, role, id)
		return e, err == nil, err
	})
}

// Count returns the cached total of one folder.
func (c *SyncCache) Count(ctx context.Context, userID string, role models.FolderRole) (models.FolderCount, error) {
	return load(ctx, c, userID, CategoryCount, []string{role.String()}, func(ctx context.Context) (models.FolderCount, bool, error) {
		n, err := c.backend.Count(ctx, userID, role)
		return n, err == nil && !n.Unavailable, err
	})
}

// Counts returns the cached totals of all folders.
func (c *SyncCache) Counts(ctx context.Context, userID string) ([]models.FolderCount, error) {
	return load(ctx, c, userID, CategoryCounts, nil, func(ctx context.Context) ([]models.FolderCount, bool, error) {
		counts, err := c.backend.Counts(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		for _, n := range counts {
			if n.Unavailable {
				return counts, false, nil
			}
		}
		return counts, true, nil
	})
}

// mutate runs fn and then bumps the user's version whatever fn returned:
// a failed mutation may still have changed the mailbox.
func (c *SyncCache) mutate(ctx context.Context, userID, op string, fn func() error) error {
	err := fn()
	if bumpErr := c.Invalidate(ctx, userID); bumpErr != nil {
		c.metrics.VersionBumpFailed("mutation")
		if err == nil {
			return fmt.Errorf("%s succeeded but the cache could not be invalidated: %w", op, bumpErr)
		}
	}
	return err
}

// MarkAsRead marks an inbox message read.
func (c *SyncCache) MarkAsRead(ctx context.Context, userID string, id models.StableID) error {
	return c.SetRead(ctx, userID, models.FolderInbox, id, true)
}

// SetRead sets or clears the read flag.
func (c *SyncCache) SetRead(ctx context.Context, userID string, role models.FolderRole, id models.StableID, read bool) error {
	return c.mutate(ctx, userID, "set read", func() error {
		return c.backend.SetRead(ctx, userID, role, id, read)
	})
}

// SetFlagged sets or clears the flagged marker.
func (c *SyncCache) SetFlagged(ctx context.Context, userID string, role models.FolderRole, id models.StableID, flagged bool) error {
	return c.mutate(ctx, userID, "set flagged", func() error {
		return c.backend.SetFlagged(ctx, userID, role, id, flagged)
	})
}

// Delete removes a message.
func (c *SyncCache) Delete(ctx context.Context, userID string, role models.FolderRole, id models.StableID) error {
	return c.mutate(ctx, userID, "delete", func() error {
		return c.backend.Delete(ctx, userID, role, id)
	})
}

// Move moves a message between folders.
func (c *SyncCache) Move(ctx context.Context, userID string, source, destination models.FolderRole, id models.StableID) error {
	return c.mutate(ctx, userID, "move", func() error {
		return c.backend.Move(ctx, userID, source, destination, id)
	})
}

// MoveToArchive moves an inbox message to Archive.
func (c *SyncCache) MoveToArchive(ctx context.Context, userID string, id models.StableID) error {
	return c.Move(ctx, userID, models.FolderInbox, models.FolderArchive, id)
}

// MoveToJunk moves an inbox message to Junk.
func (c *SyncCache) MoveToJunk(ctx context.Context, userID string, id models.StableID) error {
	return c.Move(ctx, userID, models.FolderInbox, models.FolderJunk, id)
}

// SaveDraft stores a draft.
func (c *SyncCache) SaveDraft(ctx context.Context, userID string, email models.Email) (models.Email, error) {
	var saved models.Email
	err := c.mutate(ctx, userID, "save draft", func() error {
		var err error
		saved, err = c.backend.SaveDraft(ctx, userID, email)
		return err
	})
	return saved, err
}

// Send submits a message.
func (c *SyncCache) Send(ctx context.Context, userID string, email models.Email) (*models.SendResult, error) {
	var result *models.SendResult
	err := c.mutate(ctx, userID, "send", func() error {
		var err error
		result, err = c.backend.Send(ctx, userID, email)
		return err
	})
	return result, err
}

// Watch keeps the user's entries coherent with changes made by other
// clients: every change reported on the folder bumps the user's version.
// notify, when not nil, is called after each bump. It blocks until ctx is
// done.
func (c *SyncCache) Watch(ctx context.Context, userID string, role models.FolderRole, notify func(imap.Change)) error {
	return c.backend.Watch(ctx, userID, role, func(change imap.Change) {
		c.logger.Debug("Mailbox changed",
			zap.String("user_id", userID),
			zap.String("folder", change.Folder),
			zap.String("kind", string(change.Kind)))
		if err := c.Invalidate(ctx, userID); err != nil {
			c.metrics.VersionBumpFailed("watcher")
			c.logger.Warn("Mailbox change not applied to the cache",
				zap.String("user_id", userID),
				zap.String("folder", change.Folder),
				zap.Error(err))
		}
		if notify != nil {
			notify(change)
		}
	})
}
