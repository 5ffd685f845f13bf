package imap

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/responses"
	"go.uber.org/zap"

	"github.com/achingono/papermail-sub000/internal/models"
)

const inboxName = "INBOX"

// roleAttributes maps roles to their RFC 6154 special-use attribute.
var roleAttributes = map[models.FolderRole]string{
	models.FolderSent:    imap.SentAttr,
	models.FolderDrafts:  imap.DraftsAttr,
	models.FolderArchive: imap.ArchiveAttr,
	models.FolderJunk:    imap.JunkAttr,
	models.FolderTrash:   imap.TrashAttr,
}

// conventionalNames lists well-known folder names per role. The first
// entry is used when the folder has to be created.
var conventionalNames = map[models.FolderRole][]string{
	models.FolderSent:    {"Sent", "Sent Items", "Sent Messages", "Sent Mail"},
	models.FolderDrafts:  {"Drafts", "Draft"},
	models.FolderArchive: {"Archive", "Archives"},
	models.FolderJunk:    {"Junk", "Spam", "Junk E-mail", "Junk Email", "Bulk Mail"},
	models.FolderTrash:   {"Trash", "Deleted Items", "Deleted Messages", "Bin"},
}

// ResolveFolder returns the remote folder name for role, creating and
// subscribing it when the account has none.
func (cl *Client) ResolveFolder(ctx context.Context, role models.FolderRole) (string, error) {
	var name string
	err := cl.withSession(ctx, "resolve_folder", func(s *session) error {
		var err error
		name, err = s.resolveFolder(ctx, role)
		return err
	})
	return name, err
}

// ListFolders returns every selectable folder on the server.
func (cl *Client) ListFolders(ctx context.Context) ([]string, error) {
	var names []string
	err := cl.withSession(ctx, "list_folders", func(s *session) error {
		mailboxes, err := s.listMailboxes()
		if err != nil {
			return newOpError(ctx, "list_folders", "", ErrProtocol, err)
		}
		for _, m := range mailboxes {
			names = append(names, m.Name)
		}
		return nil
	})
	return names, err
}

// resolveFolder looks the role up by special-use attribute, then by
// conventional name under the personal namespace, and finally creates it.
func (s *session) resolveFolder(ctx context.Context, role models.FolderRole) (string, error) {
	if name, ok := s.folders[role]; ok {
		return name, nil
	}

	if role == models.FolderInbox {
		s.folders[role] = inboxName
		return inboxName, nil
	}

	names, ok := conventionalNames[role]
	if !ok {
		return "", newOpError(ctx, "resolve_folder", string(role), ErrFolderUnusable, fmt.Errorf("unknown folder role"))
	}

	mailboxes, err := s.listMailboxes()
	if err != nil {
		return "", newOpError(ctx, "resolve_folder", string(role), ErrFolderUnusable, err)
	}

	prefix := s.personalPrefix()

	if name, ok := matchFolder(mailboxes, role, prefix); ok {
		s.folders[role] = name
		return name, nil
	}

	name := prefix + names[0]
	if err := s.c.Create(name); err != nil {
		// Another client may have created it since we listed.
		if again, listErr := s.listMailboxes(); listErr == nil {
			if found, ok := matchFolder(again, role, prefix); ok {
				s.folders[role] = found
				return found, nil
			}
		}
		return "", newOpError(ctx, "create_folder", name, ErrFolderUnusable, err)
	}

	if err := s.c.Subscribe(name); err != nil {
		s.cl.logger.Warn("Created folder but could not subscribe to it",
			zap.String("folder", name), zap.Error(err))
	}

	s.cl.logger.Info("Created missing folder", zap.String("role", string(role)), zap.String("folder", name))
	s.folders[role] = name
	return name, nil
}

// matchFolder finds the folder for role among mailboxes.
func matchFolder(mailboxes []*imap.MailboxInfo, role models.FolderRole, prefix string) (string, bool) {
	if attr, ok := roleAttributes[role]; ok {
		for _, m := range mailboxes {
			if hasAttribute(m, attr) {
				return m.Name, true
			}
		}
	}

	for _, candidate := range conventionalNames[role] {
		for _, m := range mailboxes {
			if strings.EqualFold(m.Name, prefix+candidate) || strings.EqualFold(m.Name, candidate) {
				return m.Name, true
			}
		}
	}
	return "", false
}

func hasAttribute(m *imap.MailboxInfo, attr string) bool {
	for _, a := range m.Attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// listMailboxes returns all selectable mailboxes.
func (s *session) listMailboxes() ([]*imap.MailboxInfo, error) {
	ch := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.c.List("", "*", ch)
	}()

	var result []*imap.MailboxInfo
	for m := range ch {
		if hasAttribute(m, imap.NoSelectAttr) {
			continue
		}
		result = append(result, m)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return result, nil
}

// personalPrefix returns the prefix of the personal namespace, for example
// "INBOX." on Courier-style servers. It asks the server with NAMESPACE when
// supported and otherwise assumes folders live at the top level.
func (s *session) personalPrefix() string {
	ok, err := s.c.Support("NAMESPACE")
	if err != nil || !ok {
		return ""
	}
	prefix, err := s.namespace()
	if err != nil {
		s.cl.logger.Debug("NAMESPACE failed, using top level", zap.Error(err))
		return ""
	}
	return prefix
}

type namespaceCommand struct{}

func (namespaceCommand) Command() *imap.Command {
	return &imap.Command{Name: "NAMESPACE"}
}

// namespace runs the RFC 2342 NAMESPACE command and returns the first
// personal namespace prefix.
func (s *session) namespace() (string, error) {
	var prefix string
	handler := responses.HandlerFunc(func(resp imap.Resp) error {
		name, fields, ok := imap.ParseNamedResp(resp)
		if !ok || name != "NAMESPACE" {
			return responses.ErrUnhandled
		}
		prefix = parsePersonalNamespace(fields)
		return nil
	})

	status, err := s.c.Execute(namespaceCommand{}, handler)
	if err != nil {
		return "", err
	}
	if err := status.Err(); err != nil {
		return "", err
	}
	return prefix, nil
}

// parsePersonalNamespace reads the prefix of the first personal namespace
// descriptor, e.g. (("INBOX." ".")) NIL NIL.
func parsePersonalNamespace(fields []interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	personal, ok := fields[0].([]interface{})
	if !ok || len(personal) == 0 {
		return ""
	}
	first, ok := personal[0].([]interface{})
	if !ok || len(first) == 0 {
		return ""
	}
	prefix, err := imap.ParseString(first[0])
	if err != nil {
		return ""
	}
	return prefix
}
