package models

import (
	"github.com/google/uuid"
)

// StableID identifies a message independently of its position on the server.
type StableID uuid.UUID

// NilStableID is the zero StableID.
var NilStableID StableID

// ParseStableID parses the canonical textual form of a StableID.
func ParseStableID(s string) (StableID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilStableID, err
	}
	return StableID(u), nil
}

func (id StableID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether the id is unset.
func (id StableID) IsZero() bool {
	return id == NilStableID
}

func (id StableID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *StableID) UnmarshalText(data []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(data); err != nil {
		return err
	}
	*id = StableID(u)
	return nil
}
