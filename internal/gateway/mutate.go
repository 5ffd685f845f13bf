package gateway

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/achingono/papermail-sub000/internal/imap"
	"github.com/achingono/papermail-sub000/internal/models"
	"github.com/achingono/papermail-sub000/internal/smtp"
)

// SetRead marks the message read or unread.
func (g *Gateway) SetRead(ctx context.Context, userID string, role models.FolderRole, id models.StableID, read bool) error {
	return g.setFlag(ctx, userID, role, id, imap.FlagSeen, read)
}

// MarkAsRead marks an inbox message read.
func (g *Gateway) MarkAsRead(ctx context.Context, userID string, id models.StableID) error {
	return g.SetRead(ctx, userID, models.FolderInbox, id, true)
}

// SetFlagged sets or clears the flagged marker of the message.
func (g *Gateway) SetFlagged(ctx context.Context, userID string, role models.FolderRole, id models.StableID, flagged bool) error {
	return g.setFlag(ctx, userID, role, id, imap.FlagFlagged, flagged)
}

func (g *Gateway) setFlag(ctx context.Context, userID string, role models.FolderRole, id models.StableID, flag string, value bool) error {
	acc, err := g.account(ctx, userID)
	if err != nil {
		return err
	}
	return acc.client.SetFlag(ctx, role, id, flag, value)
}

// Delete removes the message from the folder immediately.
func (g *Gateway) Delete(ctx context.Context, userID string, role models.FolderRole, id models.StableID) error {
	acc, err := g.account(ctx, userID)
	if err != nil {
		return err
	}
	return acc.client.Delete(ctx, role, id)
}

// Move moves the message between folders.
func (g *Gateway) Move(ctx context.Context, userID string, source, destination models.FolderRole, id models.StableID) error {
	acc, err := g.account(ctx, userID)
	if err != nil {
		return err
	}
	return acc.client.Move(ctx, source, destination, id)
}

// MoveToArchive moves an inbox message to Archive.
func (g *Gateway) MoveToArchive(ctx context.Context, userID string, id models.StableID) error {
	return g.Move(ctx, userID, models.FolderInbox, models.FolderArchive, id)
}

// MoveToJunk moves an inbox message to Junk.
func (g *Gateway) MoveToJunk(ctx context.Context, userID string, id models.StableID) error {
	return g.Move(ctx, userID, models.FolderInbox, models.FolderJunk, id)
}

// SaveDraft stores the Email in Drafts and returns it with its assigned
// identity. A missing sender defaults to the account's username.
func (g *Gateway) SaveDraft(ctx context.Context, userID string, email models.Email) (models.Email, error) {
	acc, err := g.account(ctx, userID)
	if err != nil {
		return models.Email{}, err
	}

	email, err = g.prepare(acc, email)
	if err != nil {
		return models.Email{}, err
	}

	if err := acc.client.Append(ctx, models.FolderDrafts, email, imap.FlagDraft); err != nil {
		return models.Email{}, err
	}
	return email, nil
}

// Send submits the Email over SMTP, then copies it to Sent. A failed copy is
// logged and reported in the result but does not fail the send.
func (g *Gateway) Send(ctx context.Context, userID string, email models.Email) (*models.SendResult, error) {
	if !hasRecipient(email.To) {
		return nil, ErrNoRecipients
	}

	acc, err := g.account(ctx, userID)
	if err != nil {
		return nil, err
	}

	email, err = g.prepare(acc, email)
	if err != nil {
		return nil, err
	}

	raw, err := imap.EncodeEmail(email)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	to := make([]string, 0, len(email.To))
	for _, addr := range email.To {
		to = append(to, addr.Email)
	}
	if err := g.sender.Send(ctx, acc.settings, acc.creds, email.From.Email, to, raw); err != nil {
		return nil, err
	}

	g.logger.Info("Message sent",
		zap.String("user_id", userID),
		zap.Stringer("id", email.ID),
		zap.Int("recipients", len(to)))

	result := &models.SendResult{Email: email.WithRead(true), Mirrored: true}
	if err := acc.client.Append(ctx, models.FolderSent, email, imap.FlagSeen); err != nil {
		g.logger.Warn("Failed to copy sent message to Sent folder",
			zap.String("user_id", userID),
			zap.Stringer("id", email.ID),
			zap.Error(err))
		g.metrics.MirrorFailed()
		result.Mirrored = false
		result.MirrorError = err.Error()
	}
	return result, nil
}

func (g *Gateway) prepare(acc *account, email models.Email) (models.Email, error) {
	if email.From.IsZero() {
		from, err := models.ParseAddress(acc.creds.Username)
		if err != nil {
			return models.Email{}, fmt.Errorf("%w: username %q is not an address", models.ErrNoSender, acc.creds.Username)
		}
		email.From = from
	}
	return imap.PrepareOutgoing(email, g.now())
}

func hasRecipient(to []models.Address) bool {
	for _, addr := range to {
		if !addr.IsZero() && !strings.EqualFold(addr.Email, models.PlaceholderRecipient) {
			return true
		}
	}
	return false
}

// IsAuthFailed reports whether err means the server refused the credentials,
// on either protocol.
func IsAuthFailed(err error) bool {
	return imap.IsAuthFailed(err) || smtp.IsAuthFailed(err)
}
