package security

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	stateTokenIssuer   = "rosterboard"
	stateTokenAudience = "rosterboard-login"
	pairingCodeDigits  = 6
)

var ErrInvalidStateToken = errors.New("invalid state token")

type PairingClaims struct {
	PairingCode string `json:"pairing_code"`
	jwt.RegisteredClaims
}

// StateTokenManager signs the short-lived token a browser presents when it
// polls for the login bound to its pairing code.
type StateTokenManager struct {
	secret []byte
	now    func() time.Time
}

func NewStateTokenManager(key []byte, now func() time.Time) *StateTokenManager {
	if now == nil {
		now = time.Now
	}
	return &StateTokenManager{secret: key, now: now}
}

func (m *StateTokenManager) Sign(code string, ttl time.Duration) (string, time.Time, error) {
	issuedAt := m.now()
	expiresAt := issuedAt.Add(ttl)
	claims := PairingClaims{
		PairingCode: code,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    stateTokenIssuer,
			Audience:  []string{stateTokenAudience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign state token: %w", err)
	}
	return token, expiresAt, nil
}

func (m *StateTokenManager) Parse(raw string) (*PairingClaims, error) {
	claims := &PairingClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing algorithm")
		}
		return m.secret, nil
	},
		jwt.WithIssuer(stateTokenIssuer),
		jwt.WithAudience(stateTokenAudience),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidStateToken, err)
	}
	if !tok.Valid || claims.PairingCode == "" {
		return nil, ErrInvalidStateToken
	}
	return claims, nil
}

// NewPairingCode returns a uniformly random six digit code.
func NewPairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%0*d", pairingCodeDigits, n.Int64()), nil
}
