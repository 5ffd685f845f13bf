package imap

import (
	"context"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"github.com/achingono/papermail-sub000/internal/models"
)

// idlePollInterval is the NOOP polling period for servers without IDLE.
const idlePollInterval = 30 * time.Second

// ChangeKind classifies a mailbox change notification.
type ChangeKind string

const (
	// ChangeMailbox reports a new message count or other status change.
	ChangeMailbox ChangeKind = "mailbox"
	// ChangeMessage reports changed flags on a message.
	ChangeMessage ChangeKind = "message"
	// ChangeExpunge reports a removed message.
	ChangeExpunge ChangeKind = "expunge"
)

// Change is one notification received while idling.
type Change struct {
	Folder   string
	Kind     ChangeKind
	Messages uint32
}

// Watch idles on the folder and calls notify for every change the server
// reports. It blocks until ctx is done, returning ctx.Err(), or until the
// connection fails.
func (cl *Client) Watch(ctx context.Context, role models.FolderRole, notify func(Change)) error {
	s, err := cl.connect(ctx)
	if err != nil {
		return err
	}

	// The client blocks delivering unilateral updates, so keep draining
	// them until the session is gone.
	updates := make(chan imapclient.Update, 16)
	quit := make(chan struct{})
	defer close(quit)
	defer s.close()
	defer func() { go drainUpdates(updates, quit) }()

	s.c.Updates = updates

	name, _, err := s.open(ctx, role, true)
	if err != nil {
		return err
	}

	cl.logger.Info("Watching folder for changes", zap.String("folder", name))

	idleClient := idle.NewClient(s.c)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, idlePollInterval)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			select {
			case <-done:
			case <-time.After(logoutTimeout):
			}
			return ctx.Err()
		case err := <-done:
			if err != nil {
				return newOpError(ctx, "idle", name, ErrConnection, err)
			}
			return nil
		case update := <-updates:
			change, ok := toChange(name, update)
			if !ok {
				continue
			}
			cl.metrics.WatcherEvent(string(change.Kind))
			notify(change)
		}
	}
}

// toChange converts a go-imap update into a Change.
func toChange(folder string, update imapclient.Update) (Change, bool) {
	switch u := update.(type) {
	case *imapclient.MailboxUpdate:
		if u.Mailbox == nil {
			return Change{}, false
		}
		return Change{Folder: folder, Kind: ChangeMailbox, Messages: u.Mailbox.Messages}, true
	case *imapclient.MessageUpdate:
		return Change{Folder: folder, Kind: ChangeMessage}, true
	case *imapclient.ExpungeUpdate:
		return Change{Folder: folder, Kind: ChangeExpunge}, true
	default:
		return Change{}, false
	}
}

func drainUpdates(updates <-chan imapclient.Update, quit <-chan struct{}) {
	for {
		select {
		case <-updates:
		case <-quit:
			return
		}
	}
}
