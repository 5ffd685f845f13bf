package testutil

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/emersion/go-imap/backend/memory"
)

// errStoreRefused is returned by the test backend for a refused STORE.
var errStoreRefused = errors.New("store refused")

// faultyBackend wraps the memory backend so tests can make it refuse
// STORE \Deleted.
type faultyBackend struct {
	*memory.Backend
	refuseDeleted *atomic.Bool
}

func (b faultyBackend) Login(info *imap.ConnInfo, username, password string) (backend.User, error) {
	user, err := b.Backend.Login(info, username, password)
	if err != nil {
		return nil, err
	}
	return &faultyUser{User: user, refuseDeleted: b.refuseDeleted}, nil
}

type faultyUser struct {
	backend.User
	refuseDeleted *atomic.Bool
}

func (u *faultyUser) GetMailbox(name string) (backend.Mailbox, error) {
	mbox, err := u.User.GetMailbox(name)
	if err != nil {
		return nil, err
	}
	return &faultyMailbox{Mailbox: mbox, refuseDeleted: u.refuseDeleted}, nil
}

func (u *faultyUser) ListMailboxes(subscribed bool) ([]backend.Mailbox, error) {
	mailboxes, err := u.User.ListMailboxes(subscribed)
	if err != nil {
		return nil, err
	}
	wrapped := make([]backend.Mailbox, 0, len(mailboxes))
	for _, mbox := range mailboxes {
		wrapped = append(wrapped, &faultyMailbox{Mailbox: mbox, refuseDeleted: u.refuseDeleted})
	}
	return wrapped, nil
}

type faultyMailbox struct {
	backend.Mailbox
	refuseDeleted *atomic.Bool
}

func (m *faultyMailbox) UpdateMessagesFlags(uid bool, seqSet *imap.SeqSet, op imap.FlagsOp, flags []string) error {
	if m.refuseDeleted.Load() && op != imap.RemoveFlags {
		for _, flag := range flags {
			if flag == imap.DeletedFlag {
				return errStoreRefused
			}
		}
	}
	return m.Mailbox.UpdateMessagesFlags(uid, seqSet, op, flags)
}

// RefuseDeletedFlag makes the server answer NO to every STORE that sets
// \Deleted. Copies still succeed.
func (s *TestIMAPServer) RefuseDeletedFlag(refuse bool) {
	s.refuseDeleted.Store(refuse)
}

// capabilityFilter sits between clients and the server and removes MOVE
// from every capability list the server sends.
type capabilityFilter struct {
	listener net.Listener
	upstream string
}

func startCapabilityFilter(addr, upstream string) (*capabilityFilter, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	f := &capabilityFilter{listener: listener, upstream: upstream}
	go f.serve()
	return f, nil
}

func (f *capabilityFilter) Addr() string {
	return f.listener.Addr().String()
}

func (f *capabilityFilter) Close() error {
	return f.listener.Close()
}

func (f *capabilityFilter) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *capabilityFilter) handle(client net.Conn) {
	server, err := net.Dial("tcp", f.upstream)
	if err != nil {
		_ = client.Close()
		return
	}

	closeBoth := func() {
		_ = client.Close()
		_ = server.Close()
	}

	go func() {
		defer closeBoth()
		_, _ = io.Copy(server, client)
	}()

	defer closeBoth()
	r := bufio.NewReader(server)
	for {
		line, err := r.ReadString('\n')
		if strings.Contains(line, "CAPABILITY") {
			line = strings.ReplaceAll(line, " MOVE", "")
		}
		if line != "" {
			if _, werr := io.WriteString(client, line); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
