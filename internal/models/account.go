package models

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// TLSMode selects how a mail connection is secured.
type TLSMode string

const (
	// TLSAuto uses implicit TLS on the well-known encrypted ports and
	// opportunistic STARTTLS on every other port.
	TLSAuto TLSMode = "auto"
	// TLSImplicit always wraps the connection in TLS before the greeting.
	TLSImplicit TLSMode = "implicit"
	// TLSStartTLS requires the server to offer STARTTLS.
	TLSStartTLS TLSMode = "starttls"
	// TLSNone never negotiates TLS. Only for local test servers.
	TLSNone TLSMode = "none"
)

// Account represents a mailbox owner known to the account store.
type Account struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Endpoint is a host, port and security policy for one protocol.
type Endpoint struct {
	Host string  `json:"host"`
	Port int     `json:"port"`
	TLS  TLSMode `json:"tls"`
	// InsecureSkipVerify disables certificate checks. Only for local test servers.
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty"`
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ConnectionSettings is the fully populated provider configuration for one
// user, as resolved by the account store.
type ConnectionSettings struct {
	IMAP Endpoint `json:"imap"`
	SMTP Endpoint `json:"smtp"`
	// Password is an optional static password tried when OAuth2 is not
	// available. When empty the access token doubles as the password.
	Password string `json:"-"`
}

// Validate checks that both endpoints are usable.
func (s ConnectionSettings) Validate() error {
	if s.IMAP.Host == "" || s.IMAP.Port <= 0 {
		return fmt.Errorf("imap endpoint is incomplete")
	}
	if s.SMTP.Host == "" || s.SMTP.Port <= 0 {
		return fmt.Errorf("smtp endpoint is incomplete")
	}
	return nil
}

// Credentials is the (username, access token) pair for one call.
type Credentials struct {
	Username    string
	AccessToken string
}

// Password returns the secret used for password authentication: the static
// password when the account has one, the access token otherwise.
func (c Credentials) Password(settings ConnectionSettings) string {
	if settings.Password != "" {
		return settings.Password
	}
	return c.AccessToken
}
