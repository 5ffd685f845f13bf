package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/achingono/papermail-sub000/internal/imap"
	"github.com/achingono/papermail-sub000/internal/models"
)

const defaultWatchBackoff = 5 * time.Second

// Watch idles on the user's folder and calls notify for every change,
// reconnecting after dropped connections no faster than the watch backoff.
// Credentials are resolved again on every reconnect so refreshed tokens are
// picked up. It returns ctx.Err() once ctx is done, or the first error from
// resolving the account.
func (g *Gateway) Watch(ctx context.Context, userID string, role models.FolderRole, notify func(imap.Change)) error {
	limiter := rate.NewLimiter(rate.Every(g.watchBackoff), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			// The next slot lies past the deadline.
			<-ctx.Done()
			return ctx.Err()
		}

		acc, err := g.account(ctx, userID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		err = acc.client.Watch(ctx, role, notify)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			g.logger.Warn("Watcher disconnected, reconnecting",
				zap.String("user_id", userID), zap.Stringer("folder", role), zap.Error(err))
		}
	}
}
