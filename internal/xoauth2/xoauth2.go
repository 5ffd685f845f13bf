// Package xoauth2 implements the XOAUTH2 SASL mechanism used by Gmail,
// Outlook and other providers for bearer-token IMAP and SMTP logins.
package xoauth2

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
)

// Mechanism is the SASL mechanism name.
const Mechanism = "XOAUTH2"

// ErrMalformedResponse is returned by the server side for responses that are
// not valid XOAUTH2 initial responses.
var ErrMalformedResponse = errors.New("malformed XOAUTH2 response")

type client struct {
	username string
	token    string
}

// NewClient returns a sasl.Client that authenticates username with an OAuth2
// access token.
func NewClient(username, token string) sasl.Client {
	return &client{username: username, token: token}
}

func (a *client) Start() (mech string, ir []byte, err error) {
	return Mechanism, InitialResponse(a.username, a.token), nil
}

// Next answers an error challenge with an empty response, which makes the
// server finish the exchange with a failure status.
func (a *client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}

// InitialResponse formats the XOAUTH2 initial client response.
func InitialResponse(username, token string) []byte {
	return []byte("user=" + username + "\x01auth=Bearer " + token + "\x01\x01")
}

// ParseInitialResponse extracts the username and token from an initial
// client response.
func ParseInitialResponse(b []byte) (username, token string, err error) {
	fields := bytes.Split(bytes.TrimRight(b, "\x01"), []byte{0x01})
	for _, f := range fields {
		k, v, ok := strings.Cut(string(f), "=")
		if !ok {
			continue
		}
		switch k {
		case "user":
			username = v
		case "auth":
			scheme, t, ok := strings.Cut(v, " ")
			if ok && strings.EqualFold(scheme, "Bearer") {
				token = t
			}
		}
	}
	if username == "" || token == "" {
		return "", "", ErrMalformedResponse
	}
	return username, token, nil
}

type server struct {
	authenticate func(username, token string) error
}

// NewServer returns a sasl.Server that validates XOAUTH2 responses with
// authenticate.
func NewServer(authenticate func(username, token string) error) sasl.Server {
	return &server{authenticate: authenticate}
}

func (s *server) Next(response []byte) (challenge []byte, done bool, err error) {
	if response == nil {
		return []byte{}, false, nil
	}
	username, token, err := ParseInitialResponse(response)
	if err != nil {
		return nil, true, err
	}
	if err := s.authenticate(username, token); err != nil {
		return nil, true, fmt.Errorf("invalid credentials: %w", err)
	}
	return nil, true, nil
}
