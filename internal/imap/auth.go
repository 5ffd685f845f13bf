package imap

import (
	"errors"

	"github.com/emersion/go-imap/client"

	"github.com/achingono/papermail-sub000/internal/models"
	"github.com/achingono/papermail-sub000/internal/xoauth2"
)

// AuthOutcome is the typed result of one authentication strategy.
type AuthOutcome int

const (
	// AuthSucceeded means the server accepted the credentials.
	AuthSucceeded AuthOutcome = iota
	// AuthUnsupported means the strategy could not be tried, either because
	// the server does not advertise it or because a credential is missing.
	AuthUnsupported
	// AuthRejected means the server refused the credentials.
	AuthRejected
)

func (o AuthOutcome) String() string {
	switch o {
	case AuthSucceeded:
		return "succeeded"
	case AuthUnsupported:
		return "unsupported"
	case AuthRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// AuthAttempt records one strategy that was tried.
type AuthAttempt struct {
	Mechanism string
	Outcome   AuthOutcome
	Detail    string
}

// AuthStrategy is one way of authenticating a freshly connected client.
type AuthStrategy interface {
	Name() string
	Attempt(c *client.Client, creds models.Credentials, settings models.ConnectionSettings) AuthAttempt
}

// DefaultAuthStrategies returns the OAuth2-then-password order.
func DefaultAuthStrategies() []AuthStrategy {
	return []AuthStrategy{XOAuth2Strategy{}, PasswordStrategy{}}
}

var errNoStrategyAccepted = errors.New("no authentication strategy was accepted")

// authenticate tries strategies in order and stops at the first success.
func authenticate(c *client.Client, creds models.Credentials, settings models.ConnectionSettings, strategies []AuthStrategy) ([]AuthAttempt, error) {
	attempts := make([]AuthAttempt, 0, len(strategies))
	for _, s := range strategies {
		a := s.Attempt(c, creds, settings)
		attempts = append(attempts, a)
		if a.Outcome == AuthSucceeded {
			return attempts, nil
		}
	}
	return attempts, errNoStrategyAccepted
}

// XOAuth2Strategy authenticates with the access token over SASL XOAUTH2.
type XOAuth2Strategy struct{}

func (XOAuth2Strategy) Name() string { return xoauth2.Mechanism }

func (s XOAuth2Strategy) Attempt(c *client.Client, creds models.Credentials, _ models.ConnectionSettings) AuthAttempt {
	a := AuthAttempt{Mechanism: s.Name()}
	if creds.Username == "" || creds.AccessToken == "" {
		a.Outcome = AuthUnsupported
		a.Detail = "no access token"
		return a
	}

	ok, err := c.SupportAuth(xoauth2.Mechanism)
	if err != nil {
		a.Outcome = AuthRejected
		a.Detail = err.Error()
		return a
	}
	if !ok {
		a.Outcome = AuthUnsupported
		a.Detail = "server does not advertise AUTH=" + xoauth2.Mechanism
		return a
	}

	if err := c.Authenticate(xoauth2.NewClient(creds.Username, creds.AccessToken)); err != nil {
		a.Outcome = AuthRejected
		a.Detail = err.Error()
		return a
	}

	a.Outcome = AuthSucceeded
	return a
}

// PasswordStrategy authenticates with LOGIN. The secret is the account's
// static password when it has one and the access token otherwise.
type PasswordStrategy struct{}

func (PasswordStrategy) Name() string { return "LOGIN" }

func (s PasswordStrategy) Attempt(c *client.Client, creds models.Credentials, settings models.ConnectionSettings) AuthAttempt {
	a := AuthAttempt{Mechanism: s.Name()}
	password := creds.Password(settings)
	if creds.Username == "" || password == "" {
		a.Outcome = AuthUnsupported
		a.Detail = "no password"
		return a
	}

	if err := c.Login(creds.Username, password); err != nil {
		a.Outcome = AuthRejected
		a.Detail = err.Error()
		return a
	}

	a.Outcome = AuthSucceeded
	return a
}
