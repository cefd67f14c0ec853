package security

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Signature computes the WeChat callback signature: sha1 over the
// lexicographically sorted token, timestamp and nonce.
func Signature(token, timestamp, nonce string) string {
	parts := []string{token, timestamp, nonce}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

func VerifySignature(token, signature, timestamp, nonce string) error {
	if token == "" || signature == "" {
		return ErrInvalidSignature
	}
	expected := Signature(token, timestamp, nonce)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}
