package imap

import (
	"github.com/emersion/go-imap"
	"github.com/emersion/go-message/charset"
)

func init() {
	// Decode non-UTF-8 encoded words in envelopes (ISO-8859-x, Windows-125x, ...).
	imap.CharsetReader = charset.Reader
}
