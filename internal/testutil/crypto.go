package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/achingono/papermail-sub000/internal/crypto"
)

// TestEncryptionKey is a deterministic base64 key for tests.
var TestEncryptionKey = func() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}()

// GetTestSealer creates a sealer with TestEncryptionKey.
func GetTestSealer(t *testing.T) *crypto.Sealer {
	t.Helper()

	sealer, err := crypto.NewSealer(TestEncryptionKey)
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}
	return sealer
}
