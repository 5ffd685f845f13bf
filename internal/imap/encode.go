package imap

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"

	"github.com/achingono/papermail-sub000/internal/identity"
	"github.com/achingono/papermail-sub000/internal/models"
)

const noSubject = "(no subject)"

// NewMessageID returns a fresh Message-ID in the sender's domain, without
// angle brackets.
func NewMessageID(from models.Address) string {
	domain := from.Domain()
	if domain == "" {
		domain = "localhost"
	}
	return uuid.NewString() + "@" + domain
}

// PrepareOutgoing assigns a Message-ID, the matching StableID and a date
// when the Email has none yet.
func PrepareOutgoing(email models.Email, now time.Time) (models.Email, error) {
	if email.MessageID == "" {
		email.MessageID = NewMessageID(email.From)
	}
	email.MessageID = identity.Normalize(email.MessageID)
	email.ID = identity.For(email.MessageID)
	if email.Date.IsZero() {
		email.Date = now
	}
	return models.NewEmail(email)
}

// EncodeEmail renders email as an RFC 5322 message.
func EncodeEmail(email models.Email) ([]byte, error) {
	if email.From.IsZero() {
		return nil, models.ErrNoSender
	}

	subject := email.Subject
	if subject == "" {
		subject = noSubject
	}
	date := email.Date
	if date.IsZero() {
		date = time.Now()
	}

	builder := enmime.Builder().
		From(email.From.Name, email.From.Email).
		Subject(subject).
		Date(date)

	if email.MessageID != "" {
		builder = builder.Header("Message-ID", "<"+identity.Normalize(email.MessageID)+">")
	}
	recipients := 0
	for _, to := range email.To {
		if to.IsZero() {
			continue
		}
		builder = builder.To(to.Name, to.Email)
		recipients++
	}
	// Drafts may have no recipients yet, but a message needs a To header.
	if recipients == 0 {
		builder = builder.To("", models.PlaceholderRecipient)
	}

	builder = builder.Text([]byte(email.BodyText))
	if email.BodyHTML != "" {
		builder = builder.HTML([]byte(email.BodyHTML))
	}
	for _, a := range email.Attachments {
		builder = builder.AddAttachment(a.Content, a.ContentType, a.FileName)
	}

	root, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), nil
}
