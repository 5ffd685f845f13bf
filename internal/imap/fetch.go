package imap

import (
	"context"
	"fmt"
	"sort"

	"github.com/emersion/go-imap"
	"go.uber.org/zap"

	"github.com/achingono/papermail-sub000/internal/identity"
	"github.com/achingono/papermail-sub000/internal/models"
)

// FetchPage returns up to take messages of the folder starting at position
// skip (0 based, in server order). A page that runs past the end is short,
// never an error. Messages that cannot be mapped are reported in Failures
// and do not abort the page.
func (cl *Client) FetchPage(ctx context.Context, role models.FolderRole, skip, take int) (*models.EmailPage, error) {
	page := models.EmptyPage(role, skip, take)

	err := cl.withSession(ctx, "fetch_page", func(s *session) error {
		name, status, err := s.open(ctx, role, true)
		if err != nil {
			return err
		}

		count := pageCount(int(status.Messages), skip, take)
		if count == 0 {
			return nil
		}

		from := uint32(skip + 1)
		to := uint32(skip + count)
		seqSet := new(imap.SeqSet)
		seqSet.AddRange(from, to)

		messages, err := s.fetch(seqSet, false, fullFetchItems())
		if err != nil {
			return newOpError(ctx, "fetch_page", name, ErrProtocol, err)
		}

		for _, msg := range messages {
			email, err := ParseMessage(msg)
			if err != nil {
				cl.metrics.MessageIsolated()
				cl.logger.Warn("Skipping message that could not be mapped",
					zap.String("folder", name), zap.Uint32("seq", msg.SeqNum), zap.Uint32("uid", msg.Uid), zap.Error(err))
				page.Failures = append(page.Failures, models.FetchFailure{
					Position: msg.SeqNum - 1,
					UID:      msg.Uid,
					Reason:   err.Error(),
				})
				continue
			}
			page.Emails = append(page.Emails, email)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// pageCount is max(0, min(take, total-skip)).
func pageCount(total, skip, take int) int {
	if skip < 0 || take <= 0 {
		return 0
	}
	n := total - skip
	if n > take {
		n = take
	}
	if n < 0 {
		return 0
	}
	return n
}

// FetchByID finds a message by StableID and returns it. ErrMessageNotFound
// is returned when no message in the folder has that identity.
func (cl *Client) FetchByID(ctx context.Context, role models.FolderRole, id models.StableID) (*models.Email, error) {
	var email *models.Email

	err := cl.withSession(ctx, "fetch_by_id", func(s *session) error {
		name, status, err := s.open(ctx, role, true)
		if err != nil {
			return err
		}

		match, err := s.locate(ctx, name, status.Messages, id)
		if err != nil {
			return err
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddNum(match.UID)
		messages, err := s.fetch(seqSet, true, fullFetchItems())
		if err != nil {
			return newOpError(ctx, "fetch_by_id", name, ErrProtocol, err)
		}
		if len(messages) == 0 {
			return &OpError{Op: "fetch_by_id", Folder: name, Kind: ErrMessageNotFound}
		}

		parsed, err := ParseMessage(messages[0])
		if err != nil {
			return &OpError{Op: "fetch_by_id", Folder: name, Kind: ErrMalformedMessage, Detail: err.Error()}
		}
		email = &parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return email, nil
}

// open resolves role and selects the folder.
func (s *session) open(ctx context.Context, role models.FolderRole, readOnly bool) (string, *imap.MailboxStatus, error) {
	name, err := s.resolveFolder(ctx, role)
	if err != nil {
		return "", nil, err
	}

	status, err := s.c.Select(name, readOnly)
	if err != nil {
		return "", nil, newOpError(ctx, "select", name, ErrFolderUnusable, err)
	}
	return name, status, nil
}

// locate runs the batched identity scan over the selected folder.
func (s *session) locate(ctx context.Context, folder string, total uint32, id models.StableID) (identity.Candidate, error) {
	match, found, err := s.cl.scanner.Find(ctx, headerSource{s: s}, total, id)
	if err != nil {
		return identity.Candidate{}, newOpError(ctx, "scan", folder, ErrProtocol, err)
	}
	if !found {
		return identity.Candidate{}, &OpError{Op: "scan", Folder: folder, Kind: ErrMessageNotFound, Detail: id.String()}
	}
	return match, nil
}

// headerSource serves envelope-only batches of the selected folder.
type headerSource struct {
	s *session
}

func (h headerSource) Headers(_ context.Context, from, to uint32) ([]identity.Candidate, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, to)

	messages, err := h.s.fetch(seqSet, false, []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid})
	if err != nil {
		return nil, err
	}

	candidates := make([]identity.Candidate, 0, len(messages))
	for _, msg := range messages {
		c := identity.Candidate{SeqNum: msg.SeqNum, UID: msg.Uid}
		if msg.Envelope != nil {
			c.Source = envelopeSource(msg.Envelope)
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func fullFetchItems() []imap.FetchItem {
	return []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
		imap.FetchInternalDate,
		fullBodySection.FetchItem(),
	}
}

// fetch runs FETCH or UID FETCH and returns the messages in sequence order.
func (s *session) fetch(seqSet *imap.SeqSet, uid bool, items []imap.FetchItem) ([]*imap.Message, error) {
	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)

	go func() {
		if uid {
			done <- s.c.UidFetch(seqSet, items, messages)
		} else {
			done <- s.c.Fetch(seqSet, items, messages)
		}
	}()

	var result []*imap.Message
	for msg := range messages {
		result = append(result, msg)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].SeqNum < result[j].SeqNum })
	return result, nil
}

// Count returns the number of messages in the folder.
func (cl *Client) Count(ctx context.Context, role models.FolderRole) (int, error) {
	var count int
	err := cl.withSession(ctx, "count", func(s *session) error {
		_, status, err := s.open(ctx, role, true)
		if err != nil {
			return err
		}
		count = int(status.Messages)
		return nil
	})
	return count, err
}
