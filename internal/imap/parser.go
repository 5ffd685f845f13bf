package imap

import (
	"fmt"
	"io"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"

	"github.com/achingono/papermail-sub000/internal/identity"
	"github.com/achingono/papermail-sub000/internal/models"
)

// fullBodySection is BODY.PEEK[], the whole message without setting \Seen.
var fullBodySection = &imap.BodySectionName{Peek: true}

// ParseMessage maps a fetched message to an Email. The message must carry
// its envelope, flags and full body.
func ParseMessage(msg *imap.Message) (models.Email, error) {
	if msg == nil {
		return models.Email{}, malformed("server returned no message")
	}
	if msg.Envelope == nil {
		return models.Email{}, malformed("message %d has no envelope", msg.SeqNum)
	}

	from, ok := firstAddress(msg.Envelope.From)
	if !ok {
		from, ok = firstAddress(msg.Envelope.Sender)
	}
	if !ok {
		return models.Email{}, malformed("message %d has no sender", msg.SeqNum)
	}

	email := models.Email{
		ID:        identity.ForSource(envelopeSource(msg.Envelope)),
		MessageID: identity.Normalize(msg.Envelope.MessageId),
		From:      from,
		To:        convertAddressList(msg.Envelope.To),
		Subject:   msg.Envelope.Subject,
		Date:      msg.Envelope.Date,
		IsRead:    hasFlag(msg.Flags, imap.SeenFlag),
	}
	if email.Date.IsZero() {
		email.Date = msg.InternalDate
	}

	body := msg.GetBody(fullBodySection)
	if body == nil {
		return models.Email{}, malformed("message %d has no body", msg.SeqNum)
	}
	if err := parseBody(body, &email); err != nil {
		return models.Email{}, malformed("message %d: %v", msg.SeqNum, err)
	}

	return models.NewEmail(email)
}

// parseBody fills the text, HTML and attachments from the raw message.
func parseBody(r io.Reader, email *models.Email) error {
	envelope, err := enmime.ReadEnvelope(r)
	if err != nil {
		return fmt.Errorf("failed to parse email body: %w", err)
	}

	email.BodyText = envelope.Text
	email.BodyHTML = envelope.HTML

	for _, part := range envelope.Attachments {
		email.Attachments = append(email.Attachments,
			models.NewAttachment(part.FileName, part.ContentType, part.Content))
	}

	return nil
}

// envelopeSource extracts the identity inputs from an envelope.
func envelopeSource(env *imap.Envelope) identity.Source {
	src := identity.Source{
		MessageID: env.MessageId,
		Date:      env.Date,
		Subject:   env.Subject,
	}
	if from, ok := firstAddress(env.From); ok {
		src.From = from.Email
	}
	return src
}

// convertAddress turns an IMAP address into a validated Address. Group
// markers and unparsable entries report false.
func convertAddress(address *imap.Address) (models.Address, bool) {
	if address == nil || address.MailboxName == "" || address.HostName == "" {
		return models.Address{}, false
	}
	parsed, err := models.ParseAddress(address.MailboxName + "@" + address.HostName)
	if err != nil {
		return models.Address{}, false
	}
	parsed.Name = address.PersonalName
	return parsed, true
}

func firstAddress(addresses []*imap.Address) (models.Address, bool) {
	for _, a := range addresses {
		if converted, ok := convertAddress(a); ok {
			return converted, true
		}
	}
	return models.Address{}, false
}

// convertAddressList keeps the valid addresses in order.
func convertAddressList(addresses []*imap.Address) []models.Address {
	result := make([]models.Address, 0, len(addresses))
	for _, a := range addresses {
		if converted, ok := convertAddress(a); ok {
			result = append(result, converted)
		}
	}
	return result
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
