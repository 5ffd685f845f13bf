package imap

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/achingono/papermail-sub000/internal/identity"
	"github.com/achingono/papermail-sub000/internal/metrics"
	"github.com/achingono/papermail-sub000/internal/models"
	"github.com/achingono/papermail-sub000/internal/testutil"
)

// seedInbox empties INBOX and adds n messages with subjects "Message 1".."Message n".
func seedInbox(t *testing.T, server *testutil.TestIMAPServer, n int) {
	t.Helper()
	server.EmptyFolder(t, "INBOX")

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		server.AddMessage(t, "INBOX",
			fmt.Sprintf("<msg-%d@example.com>", i),
			fmt.Sprintf("Message %d", i),
			"Alice <alice@example.com>",
			"bob@example.com",
			base.Add(time.Duration(i)*time.Minute))
	}
}

func subjects(page *models.EmailPage) []string {
	result := make([]string, 0, len(page.Emails))
	for _, e := range page.Emails {
		result = append(result, e.Subject)
	}
	return result
}

func TestClient_FetchPage(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	seedInbox(t, server, 5)
	cl := newTestClient(server)
	ctx := context.Background()

	tests := []struct {
		name       string
		skip, take int
		want       []string
	}{
		{"first page", 0, 2, []string{"Message 1", "Message 2"}},
		{"middle page", 2, 2, []string{"Message 3", "Message 4"}},
		{"short last page", 4, 10, []string{"Message 5"}},
		{"skip past the end", 10, 5, []string{}},
		{"zero take", 0, 0, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := cl.FetchPage(ctx, models.FolderInbox, tt.skip, tt.take)
			require.NoError(t, err)
			assert.Equal(t, tt.want, subjects(page))
			assert.Equal(t, models.FolderInbox, page.Role)
			assert.Empty(t, page.Failures)
		})
	}

	t.Run("maps envelope fields", func(t *testing.T) {
		page, err := cl.FetchPage(ctx, models.FolderInbox, 0, 1)
		require.NoError(t, err)
		require.Len(t, page.Emails, 1)

		email := page.Emails[0]
		assert.Equal(t, "msg-1@example.com", email.MessageID)
		assert.Equal(t, identity.For("<msg-1@example.com>"), email.ID)
		assert.Equal(t, "alice@example.com", email.From.Email)
		assert.Equal(t, "Alice", email.From.Name)
		require.Len(t, email.To, 1)
		assert.Equal(t, "bob@example.com", email.To[0].Email)
		assert.Contains(t, email.BodyText, "Test message body.")
		assert.False(t, email.IsRead)
		assert.True(t, email.Date.Equal(time.Date(2024, 3, 1, 9, 1, 0, 0, time.UTC)))
	})
}

func TestClient_FetchPage_EmptyFolder(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	server.EmptyFolder(t, "INBOX")

	page, err := newTestClient(server).FetchPage(context.Background(), models.FolderInbox, 0, 50)
	require.NoError(t, err)
	assert.Empty(t, page.Emails)
	assert.NotNil(t, page.Emails)
}

func TestClient_FetchPage_IsolatesBadMessages(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	server.EmptyFolder(t, "INBOX")

	server.AddMessage(t, "INBOX", "<good-1@example.com>", "Good one", "alice@example.com", "bob@example.com", time.Now())
	server.AppendRaw(t, "INBOX", "Message-ID: <broken@example.com>\nSubject: No sender\nContent-Type: text/plain\n\nbody\n")
	server.AddMessage(t, "INBOX", "<good-2@example.com>", "Good two", "alice@example.com", "bob@example.com", time.Now())

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	page, err := newTestClient(server, WithMetrics(m)).FetchPage(context.Background(), models.FolderInbox, 0, 10)
	require.NoError(t, err)

	assert.Equal(t, []string{"Good one", "Good two"}, subjects(page))
	require.Len(t, page.Failures, 1)
	assert.Equal(t, uint32(1), page.Failures[0].Position)
	assert.NotZero(t, page.Failures[0].UID)
	assert.Contains(t, page.Failures[0].Reason, "sender")
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.IsolatedMessages))
}

func TestClient_FetchPage_SeededMessage(t *testing.T) {
	// The memory backend starts with one read message in INBOX.
	server := testutil.NewTestIMAPServer(t)

	page, err := newTestClient(server).FetchPage(context.Background(), models.FolderInbox, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Emails, 1)

	email := page.Emails[0]
	assert.Equal(t, "A little message, just for you", email.Subject)
	assert.Equal(t, "contact@example.org", email.From.Email)
	assert.True(t, email.IsRead)
	assert.Contains(t, email.BodyText, "Hi there :)")
}

func TestClient_FetchByID(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	seedInbox(t, server, 3)
	server.AddMessage(t, "INBOX", "<abc@x>", "Needle", "carol@example.com", "bob@example.com", time.Now())
	cl := newTestClient(server)
	ctx := context.Background()

	t.Run("finds a message by its stable id", func(t *testing.T) {
		email, err := cl.FetchByID(ctx, models.FolderInbox, identity.For("<abc@x>"))
		require.NoError(t, err)
		assert.Equal(t, "Needle", email.Subject)
		assert.Equal(t, "abc@x", email.MessageID)
		assert.Equal(t, identity.For("abc@x"), email.ID)
	})

	t.Run("unknown id is not found", func(t *testing.T) {
		_, err := cl.FetchByID(ctx, models.FolderInbox, identity.For("<missing@x>"))
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
		assert.False(t, IsUnavailable(err))
	})

	t.Run("finds messages across scan batches", func(t *testing.T) {
		small := newTestClient(server, WithScanBatchSize(2))
		email, err := small.FetchByID(ctx, models.FolderInbox, identity.For("<msg-1@example.com>"))
		require.NoError(t, err)
		assert.Equal(t, "Message 1", email.Subject)
	})

	t.Run("empty folder is not found", func(t *testing.T) {
		_, err := cl.FetchByID(ctx, models.FolderTrash, identity.For("<abc@x>"))
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})
}

func TestClient_FetchByID_WithoutMessageID(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	server.EmptyFolder(t, "INBOX")
	server.AppendRaw(t, "INBOX", "From: dave@example.com\nDate: Mon, 04 Mar 2024 10:00:00 +0000\nSubject: Anonymous\nContent-Type: text/plain\n\nhello\n")
	cl := newTestClient(server)
	ctx := context.Background()

	page, err := cl.FetchPage(ctx, models.FolderInbox, 0, 1)
	require.NoError(t, err)
	require.Len(t, page.Emails, 1)
	id := page.Emails[0].ID
	assert.False(t, id.IsZero())

	email, err := cl.FetchByID(ctx, models.FolderInbox, id)
	require.NoError(t, err)
	assert.Equal(t, "Anonymous", email.Subject)
}

func TestClient_Count(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	seedInbox(t, server, 4)
	cl := newTestClient(server)

	count, err := cl.Count(context.Background(), models.FolderInbox)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	count, err = cl.Count(context.Background(), models.FolderArchive)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestPageCount(t *testing.T) {
	tests := []struct {
		total, skip, take, want int
	}{
		{10, 0, 5, 5},
		{10, 8, 5, 2},
		{10, 10, 5, 0},
		{10, 12, 5, 0},
		{0, 0, 5, 0},
		{10, -1, 5, 0},
		{10, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("total=%d skip=%d take=%d", tt.total, tt.skip, tt.take), func(t *testing.T) {
			assert.Equal(t, tt.want, pageCount(tt.total, tt.skip, tt.take))
		})
	}
}
