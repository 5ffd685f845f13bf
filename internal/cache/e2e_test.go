package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/achingono/papermail-sub000/internal/gateway"
	"github.com/achingono/papermail-sub000/internal/identity"
	"github.com/achingono/papermail-sub000/internal/imap"
	"github.com/achingono/papermail-sub000/internal/models"
	"github.com/achingono/papermail-sub000/internal/smtp"
	"github.com/achingono/papermail-sub000/internal/testutil"
)

type staticResolver struct {
	creds models.Credentials
}

func (r staticResolver) Resolve(context.Context, string) (models.Credentials, error) {
	return r.creds, nil
}

type staticAccounts struct {
	settings models.ConnectionSettings
}

func (a staticAccounts) GetConnectionSettings(context.Context, string) (models.ConnectionSettings, error) {
	return a.settings, nil
}

func newGatewayCache(t *testing.T) (*SyncCache, *testutil.TestIMAPServer) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping mail server test in short mode")
	}

	imapServer := testutil.NewTestIMAPServer(t)
	imapServer.EmptyFolder(t, "INBOX")
	smtpServer := testutil.NewTestSMTPServer(t)

	g := gateway.New(
		staticAccounts{settings: models.ConnectionSettings{IMAP: imapServer.Endpoint(), SMTP: smtpServer.Endpoint()}},
		staticResolver{creds: models.Credentials{Username: imapServer.Username(), AccessToken: testutil.TestAccessToken}},
		gateway.NewClientFactory(imap.WithTimeouts(2*time.Second, 5*time.Second)),
		smtp.NewSender(),
	)
	return New(g, NewMemoryStore(nil), NewMemoryVersions()), imapServer
}

func TestSyncCache_EndToEnd(t *testing.T) {
	ctx := context.Background()

	t.Run("empty inbox", func(t *testing.T) {
		c, _ := newGatewayCache(t)

		page, err := c.GetInbox(ctx, "u1", 0, 50)
		require.NoError(t, err)
		assert.Empty(t, page.Emails)

		n, err := c.Count(ctx, "u1", models.FolderInbox)
		require.NoError(t, err)
		assert.Zero(t, n.Total)
	})

	t.Run("mark as read is visible on the next read", func(t *testing.T) {
		c, server := newGatewayCache(t)
		server.AddMessage(t, "INBOX", "<read@x>", "Read me", "alice@example.com", "bob@example.com", time.Now())
		id := identity.For("read@x")

		page, err := c.GetInbox(ctx, "u1", 0, 50)
		require.NoError(t, err)
		require.Len(t, page.Emails, 1)
		assert.False(t, page.Emails[0].IsRead)

		require.NoError(t, c.MarkAsRead(ctx, "u1", id))

		page, err = c.GetInbox(ctx, "u1", 0, 50)
		require.NoError(t, err)
		require.Len(t, page.Emails, 1)
		assert.True(t, page.Emails[0].IsRead)
	})

	t.Run("move to junk", func(t *testing.T) {
		c, server := newGatewayCache(t)
		server.AddMessage(t, "INBOX", "<junk@x>", "Junk", "spam@example.com", "bob@example.com", time.Now())
		id := identity.For("junk@x")

		inbox, err := c.GetInbox(ctx, "u1", 0, 50)
		require.NoError(t, err)
		require.Len(t, inbox.Emails, 1)
		junk, err := c.GetJunk(ctx, "u1", 0, 50)
		require.NoError(t, err)
		require.Empty(t, junk.Emails)

		require.NoError(t, c.MoveToJunk(ctx, "u1", id))

		inbox, err = c.GetInbox(ctx, "u1", 0, 50)
		require.NoError(t, err)
		assert.Empty(t, inbox.Emails)
		junk, err = c.GetJunk(ctx, "u1", 0, 50)
		require.NoError(t, err)
		require.Len(t, junk.Emails, 1)
		assert.Equal(t, id, junk.Emails[0].ID)
	})
}
