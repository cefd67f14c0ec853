package security

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	PurposeSessionID  = "rosterboard/session-id"
	PurposeStateToken = "rosterboard/state-token"

	derivedKeySize = 32
)

var ErrEmptySecret = errors.New("secret must not be empty")

// DeriveKey expands secret into a purpose-bound 32 byte key.
func DeriveKey(secret, purpose string) ([]byte, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(purpose))
	key := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return key, nil
}
