// Package identity derives stable message identifiers from protocol-level
// Message-IDs and finds messages by those identifiers without downloading
// their bodies.
package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/achingono/papermail-sub000/internal/models"
)

// namespace scopes the name-based UUIDs so they never collide with UUIDs
// derived from the same strings by other systems.
var namespace = uuid.MustParse("5f0c2a6e-3b8d-4c51-9a27-7d1e4b9f6c30")

// Source is the envelope metadata identity derivation needs.
type Source struct {
	MessageID string
	From      string
	Date      time.Time
	Subject   string
}

// For returns the StableID for a Message-ID header value. The result is a
// 128-bit MD5 name-based UUID of the normalized header, so equal inputs
// always map to equal ids.
func For(messageID string) models.StableID {
	return models.StableID(uuid.NewMD5(namespace, []byte(Normalize(messageID))))
}

// ForSource returns the StableID for a message. Messages without a
// Message-ID fall back to a synthetic identifier built from stable envelope
// fields so repeated fetches agree.
func ForSource(s Source) models.StableID {
	if id := Normalize(s.MessageID); id != "" {
		return For(id)
	}
	return For(FallbackMessageID(s))
}

// Normalize strips surrounding whitespace and angle brackets, so "<a@b>"
// and "a@b" identify the same message.
func Normalize(messageID string) string {
	id := strings.TrimSpace(messageID)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// FallbackMessageID builds the synthetic identifier used for messages that
// carry no Message-ID header.
func FallbackMessageID(s Source) string {
	date := ""
	if !s.Date.IsZero() {
		date = s.Date.UTC().Format(time.RFC3339)
	}
	return "fallback:" + strings.ToLower(strings.TrimSpace(s.From)) + "|" + date + "|" + strings.TrimSpace(s.Subject)
}
