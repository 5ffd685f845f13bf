package models

import (
	"errors"
	"fmt"
	"time"
)

// PlaceholderRecipient is substituted when a message lists no recipients.
const PlaceholderRecipient = "undisclosed-recipients@localhost"

// PlaceholderFileName is used for attachments that carry no file name.
const PlaceholderFileName = "attachment"

// ErrNoSender is returned when an Email is built without a sender.
var ErrNoSender = errors.New("email has no sender")

// Email is an immutable view of one message. Values are rebuilt from the
// server rather than edited in place.
type Email struct {
	ID          StableID     `json:"id"`
	MessageID   string       `json:"message_id,omitempty"`
	From        Address      `json:"from"`
	To          []Address    `json:"to"`
	Subject     string       `json:"subject"`
	BodyText    string       `json:"body_text"`
	BodyHTML    string       `json:"body_html,omitempty"`
	Date        time.Time    `json:"date"`
	Attachments []Attachment `json:"attachments,omitempty"`
	IsRead      bool         `json:"is_read"`
}

// Attachment describes a message part that was sent as a file.
type Attachment struct {
	FileName    string `json:"file_name"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content,omitempty"`
}

// NewAttachment builds an Attachment, defaulting the file name when it is empty.
func NewAttachment(fileName, contentType string, content []byte) Attachment {
	if fileName == "" {
		fileName = PlaceholderFileName
	}
	return Attachment{
		FileName:    fileName,
		SizeBytes:   int64(len(content)),
		ContentType: contentType,
		Content:     content,
	}
}

// NewEmail validates the invariants of an Email: a sender is required and
// an empty recipient list gets the placeholder recipient.
func NewEmail(e Email) (Email, error) {
	if e.From.IsZero() {
		return Email{}, ErrNoSender
	}

	if len(e.To) == 0 {
		placeholder, err := ParseAddress(PlaceholderRecipient)
		if err != nil {
			return Email{}, fmt.Errorf("failed to build placeholder recipient: %w", err)
		}
		e.To = []Address{placeholder}
	} else {
		e.To = append([]Address(nil), e.To...)
	}

	e.Attachments = append([]Attachment(nil), e.Attachments...)
	return e, nil
}

// WithRead returns a copy of the Email with the read flag set to read.
func (e Email) WithRead(read bool) Email {
	e.IsRead = read
	return e
}

// FetchFailure records one message that could not be mapped during a batch fetch.
type FetchFailure struct {
	Position uint32 `json:"position"`
	UID      uint32 `json:"uid"`
	Reason   string `json:"reason"`
}

// EmailPage is the result of a paginated folder read.
type EmailPage struct {
	Role     FolderRole     `json:"role"`
	Skip     int            `json:"skip"`
	Take     int            `json:"take"`
	Emails   []Email        `json:"emails"`
	Failures []FetchFailure `json:"failures,omitempty"`
	// Unavailable is set when the folder could not be read because the
	// server rejected the credentials. Such pages are empty.
	Unavailable bool `json:"unavailable,omitempty"`
}

// EmptyPage returns a page with no emails.
func EmptyPage(role FolderRole, skip, take int) *EmailPage {
	return &EmailPage{
		Role:   role,
		Skip:   skip,
		Take:   take,
		Emails: []Email{},
	}
}
