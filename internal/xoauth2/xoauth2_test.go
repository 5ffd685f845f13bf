package xoauth2

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientStart(t *testing.T) {
	mech, ir, err := NewClient("user@example.com", "tok123").Start()
	require.NoError(t, err)
	assert.Equal(t, Mechanism, mech)
	assert.Equal(t, "user=user@example.com\x01auth=Bearer tok123\x01\x01", string(ir))
}

func TestParseInitialResponse(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		username string
		token    string
		wantErr  bool
	}{
		{name: "valid", input: InitialResponse("a@b", "t"), username: "a@b", token: "t"},
		{name: "missing token", input: []byte("user=a@b\x01\x01"), wantErr: true},
		{name: "wrong scheme", input: []byte("user=a@b\x01auth=Basic t\x01\x01"), wantErr: true},
		{name: "empty", input: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, tok, err := ParseInitialResponse(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedResponse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.username, u)
			assert.Equal(t, tt.token, tok)
		})
	}
}

func TestServerNext(t *testing.T) {
	accept := func(username, token string) error {
		if token != "good" {
			return errors.New("bad token")
		}
		return nil
	}

	t.Run("asks for the initial response", func(t *testing.T) {
		challenge, done, err := NewServer(accept).Next(nil)
		assert.NoError(t, err)
		assert.False(t, done)
		assert.Empty(t, challenge)
	})

	t.Run("accepts a good token", func(t *testing.T) {
		_, done, err := NewServer(accept).Next(InitialResponse("u", "good"))
		assert.NoError(t, err)
		assert.True(t, done)
	})

	t.Run("rejects a bad token", func(t *testing.T) {
		_, done, err := NewServer(accept).Next(InitialResponse("u", "bad"))
		assert.Error(t, err)
		assert.True(t, done)
	})
}
