package imap

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	"go.uber.org/zap"

	"github.com/achingono/papermail-sub000/internal/models"
)

// Flags accepted by SetFlag.
const (
	FlagSeen    = imap.SeenFlag
	FlagFlagged = imap.FlaggedFlag
	FlagDraft   = imap.DraftFlag
	FlagDeleted = imap.DeletedFlag
)

// SetFlag adds (value true) or removes (value false) a flag on the message
// with the given StableID.
func (cl *Client) SetFlag(ctx context.Context, role models.FolderRole, id models.StableID, flag string, value bool) error {
	return cl.withSession(ctx, "set_flag", func(s *session) error {
		name, status, err := s.open(ctx, role, false)
		if err != nil {
			return err
		}

		match, err := s.locate(ctx, name, status.Messages, id)
		if err != nil {
			return err
		}

		var op imap.FlagsOp = imap.RemoveFlags
		if value {
			op = imap.AddFlags
		}
		if err := s.store(match.UID, op, flag); err != nil {
			return newOpError(ctx, "set_flag", name, ErrProtocol, err)
		}
		return nil
	})
}

// Delete removes the message immediately: it is flagged \Deleted and the
// folder is expunged.
func (cl *Client) Delete(ctx context.Context, role models.FolderRole, id models.StableID) error {
	return cl.withSession(ctx, "delete", func(s *session) error {
		name, status, err := s.open(ctx, role, false)
		if err != nil {
			return err
		}

		match, err := s.locate(ctx, name, status.Messages, id)
		if err != nil {
			return err
		}

		if err := s.store(match.UID, imap.AddFlags, imap.DeletedFlag); err != nil {
			return newOpError(ctx, "delete", name, ErrProtocol, err)
		}
		if err := s.c.Expunge(nil); err != nil {
			return newOpError(ctx, "expunge", name, ErrProtocol, err)
		}
		return nil
	})
}

// Move transfers the message from one folder to another, creating the
// destination when needed. MOVE is used when the server supports it and
// COPY, STORE \Deleted, EXPUNGE otherwise.
func (cl *Client) Move(ctx context.Context, source, destination models.FolderRole, id models.StableID) error {
	return cl.withSession(ctx, "move", func(s *session) error {
		destName, err := s.resolveFolder(ctx, destination)
		if err != nil {
			return err
		}

		name, status, err := s.open(ctx, source, false)
		if err != nil {
			return err
		}

		match, err := s.locate(ctx, name, status.Messages, id)
		if err != nil {
			return err
		}

		if err := s.move(match.UID, destName); err != nil {
			return newOpError(ctx, "move", name, ErrProtocol, err)
		}
		return nil
	})
}

// move uses UID MOVE. Without the MOVE capability go-imap already runs
// COPY, STORE \Deleted, EXPUNGE itself and its error is final: repeating
// the COPY would duplicate the message. A server that advertises MOVE but
// refuses it leaves the source untouched, so only then is the manual
// fallback run.
func (s *session) move(uid uint32, dest string) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	supported, err := s.c.Support("MOVE")
	if err != nil {
		return fmt.Errorf("failed to read capabilities: %w", err)
	}

	moveErr := s.c.UidMove(seqSet, dest)
	if moveErr == nil {
		return nil
	}
	if !supported {
		return fmt.Errorf("failed to move message: %w", moveErr)
	}
	s.cl.logger.Debug("MOVE refused, copying instead", zap.String("folder", dest), zap.Error(moveErr))

	if err := s.c.UidCopy(seqSet, dest); err != nil {
		return fmt.Errorf("failed to copy after MOVE was refused (%v): %w", moveErr, err)
	}
	if err := s.store(uid, imap.AddFlags, imap.DeletedFlag); err != nil {
		return fmt.Errorf("failed to flag moved message: %w", err)
	}
	if err := s.c.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge moved message: %w", err)
	}
	return nil
}

// Append encodes email and stores it in the folder with the given flags.
func (cl *Client) Append(ctx context.Context, role models.FolderRole, email models.Email, flags ...string) error {
	raw, err := EncodeEmail(email)
	if err != nil {
		return &OpError{Op: "append", Folder: string(role), Kind: ErrMalformedMessage, Detail: err.Error()}
	}

	return cl.withSession(ctx, "append", func(s *session) error {
		name, err := s.resolveFolder(ctx, role)
		if err != nil {
			return err
		}

		date := email.Date
		if date.IsZero() {
			date = time.Now()
		}
		if err := s.c.Append(name, flags, date, bytes.NewBuffer(raw)); err != nil {
			return newOpError(ctx, "append", name, ErrProtocol, err)
		}
		return nil
	})
}

func (s *session) store(uid uint32, op imap.FlagsOp, flag string) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	item := imap.FormatFlagsOp(op, true)
	return s.c.UidStore(seqSet, item, []interface{}{flag}, nil)
}
