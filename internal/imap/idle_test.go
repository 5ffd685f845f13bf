package imap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/achingono/papermail-sub000/internal/models"
	"github.com/achingono/papermail-sub000/internal/testutil"
)

func TestClient_Watch_StopsOnCancel(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	cl := newTestClient(server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- cl.Watch(ctx, models.FolderInbox, func(Change) {})
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(10 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestClient_Watch_AuthFailure(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	settings := models.ConnectionSettings{IMAP: server.Endpoint()}
	cl := NewClient(settings, models.Credentials{Username: server.Username(), AccessToken: "bad"})

	err := cl.Watch(context.Background(), models.FolderInbox, func(Change) {})
	assert.True(t, IsAuthFailed(err))
}

func TestToChange(t *testing.T) {
	tests := []struct {
		name   string
		update imapclient.Update
		want   Change
		ok     bool
	}{
		{
			name:   "mailbox update",
			update: &imapclient.MailboxUpdate{Mailbox: &imap.MailboxStatus{Messages: 7}},
			want:   Change{Folder: "INBOX", Kind: ChangeMailbox, Messages: 7},
			ok:     true,
		},
		{
			name:   "mailbox update without status",
			update: &imapclient.MailboxUpdate{},
			ok:     false,
		},
		{
			name:   "flag change",
			update: &imapclient.MessageUpdate{Message: imap.NewMessage(1, nil)},
			want:   Change{Folder: "INBOX", Kind: ChangeMessage},
			ok:     true,
		},
		{
			name:   "expunge",
			update: &imapclient.ExpungeUpdate{SeqNum: 3},
			want:   Change{Folder: "INBOX", Kind: ChangeExpunge},
			ok:     true,
		},
		{
			name:   "status line",
			update: &imapclient.StatusUpdate{},
			ok:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := toChange("INBOX", tt.update)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
