package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "papermail"

// OpenKeyring opens the system keyring, falling back to an encrypted file
// store under fileDir.
func OpenKeyring(fileDir, filePassword string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// KeyringStore keeps tokens as JSON items in a keyring.
type KeyringStore struct {
	ring keyring.Keyring
}

// NewKeyringStore wraps ring.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

func itemKey(userID string) string {
	return "token:" + userID
}

// GetToken implements TokenStore.
func (s *KeyringStore) GetToken(_ context.Context, userID string) (Token, error) {
	item, err := s.ring.Get(itemKey(userID))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return Token{}, ErrTokenNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("getting token %q: %w", userID, err)
	}

	var token Token
	if err := json.Unmarshal(item.Data, &token); err != nil {
		return Token{}, fmt.Errorf("decoding token %q: %w", userID, err)
	}
	return token, nil
}

// SaveToken implements TokenStore.
func (s *KeyringStore) SaveToken(_ context.Context, userID string, token Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encoding token %q: %w", userID, err)
	}

	err = s.ring.Set(keyring.Item{
		Key:         itemKey(userID),
		Data:        data,
		Label:       "papermail token for " + userID,
		Description: "papermail OAuth2 token",
	})
	if err != nil {
		return fmt.Errorf("setting token %q: %w", userID, err)
	}
	return nil
}

// DeleteToken removes the stored token.
func (s *KeyringStore) DeleteToken(_ context.Context, userID string) error {
	err := s.ring.Remove(itemKey(userID))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting token %q: %w", userID, err)
	}
	return nil
}
