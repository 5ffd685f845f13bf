package models

import (
	"fmt"
	"strings"
)

// FolderRole is a logical mailbox category.
type FolderRole string

const (
	FolderInbox   FolderRole = "inbox"
	FolderSent    FolderRole = "sent"
	FolderDrafts  FolderRole = "drafts"
	FolderArchive FolderRole = "archive"
	FolderJunk    FolderRole = "junk"
	FolderTrash   FolderRole = "trash"
)

// AllFolderRoles lists every logical folder in display order.
var AllFolderRoles = []FolderRole{
	FolderInbox,
	FolderSent,
	FolderDrafts,
	FolderArchive,
	FolderJunk,
	FolderTrash,
}

// ParseFolderRole converts a user-supplied name into a FolderRole.
func ParseFolderRole(s string) (FolderRole, error) {
	role := FolderRole(strings.ToLower(strings.TrimSpace(s)))
	if role == "spam" {
		return FolderJunk, nil
	}
	for _, r := range AllFolderRoles {
		if r == role {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown folder %q", s)
}

func (r FolderRole) String() string {
	return string(r)
}

// FolderCount is the message total of one folder.
type FolderCount struct {
	Role  FolderRole `json:"role"`
	Total int        `json:"total"`
	// Unavailable is set when the count could not be read and Total is 0.
	Unavailable bool `json:"unavailable,omitempty"`
}

// SendResult reports a submitted message and whether its copy reached the
// Sent folder.
type SendResult struct {
	Email       Email  `json:"email"`
	Mirrored    bool   `json:"mirrored"`
	MirrorError string `json:"mirror_error,omitempty"`
}
