package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantEmail string
		wantName  string
		wantErr   bool
	}{
		{name: "bare address", input: "alice@example.com", wantEmail: "alice@example.com"},
		{name: "with display name", input: "Alice Doe <alice@example.com>", wantEmail: "alice@example.com", wantName: "Alice Doe"},
		{name: "surrounding whitespace", input: "  bob@example.org ", wantEmail: "bob@example.org"},
		{name: "missing at sign", input: "not-an-address", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantEmail, got.Email)
			assert.Equal(t, tt.wantName, got.Name)
		})
	}
}

func TestAddressJSON(t *testing.T) {
	addr := MustParseAddress("Alice <alice@example.com>")

	data, err := json.Marshal(addr)
	require.NoError(t, err)

	var decoded Address
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, addr, decoded)
	assert.Equal(t, "example.com", decoded.Domain())
}

func TestNewEmail(t *testing.T) {
	sender := MustParseAddress("sender@example.com")

	t.Run("requires a sender", func(t *testing.T) {
		_, err := NewEmail(Email{Subject: "no sender"})
		assert.ErrorIs(t, err, ErrNoSender)
	})

	t.Run("substitutes one placeholder recipient", func(t *testing.T) {
		email, err := NewEmail(Email{From: sender})
		require.NoError(t, err)
		require.Len(t, email.To, 1)
		assert.Equal(t, PlaceholderRecipient, email.To[0].Email)
	})

	t.Run("keeps all recipients in order", func(t *testing.T) {
		to := []Address{
			MustParseAddress("a@example.com"),
			MustParseAddress("b@example.com"),
			MustParseAddress("c@example.com"),
		}
		email, err := NewEmail(Email{From: sender, To: to})
		require.NoError(t, err)
		assert.Equal(t, to, email.To)

		to[0] = MustParseAddress("changed@example.com")
		assert.Equal(t, "a@example.com", email.To[0].Email, "email must not alias the caller's slice")
	})

	t.Run("WithRead returns a copy", func(t *testing.T) {
		email, err := NewEmail(Email{From: sender, Date: time.Now()})
		require.NoError(t, err)
		read := email.WithRead(true)
		assert.True(t, read.IsRead)
		assert.False(t, email.IsRead)
	})
}

func TestNewAttachment(t *testing.T) {
	a := NewAttachment("", "application/pdf", []byte("12345"))
	assert.Equal(t, PlaceholderFileName, a.FileName)
	assert.Equal(t, int64(5), a.SizeBytes)
	assert.Equal(t, "application/pdf", a.ContentType)
}

func TestParseFolderRole(t *testing.T) {
	tests := []struct {
		input string
		want  FolderRole
		err   bool
	}{
		{"inbox", FolderInbox, false},
		{"Sent", FolderSent, false},
		{" drafts ", FolderDrafts, false},
		{"spam", FolderJunk, false},
		{"outbox", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFolderRole(tt.input)
			if tt.err {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStableIDText(t *testing.T) {
	id, err := ParseStableID("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	text, err := id.MarshalText()
	require.NoError(t, err)

	var decoded StableID
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, id, decoded)

	_, err = ParseStableID("nope")
	assert.Error(t, err)
}
