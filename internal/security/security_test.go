package security

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSignatureKnownVector(t *testing.T) {
	sum := sha1.Sum([]byte("1nt"))
	want := hex.EncodeToString(sum[:])
	if got := Signature("t", "1", "n"); got != want {
		t.Fatalf("Signature()=%q want %q", got, want)
	}
	if err := VerifySignature("t", want, "1", "n"); err != nil {
		t.Fatalf("expected exact signature to verify: %v", err)
	}
}

func TestVerifySignatureRejectsEverySingleCharMutation(t *testing.T) {
	valid := Signature("t", "1", "n")
	const alphabet = "0123456789abcdefABCDEFxz"
	for i := 0; i < len(valid); i++ {
		for _, c := range alphabet {
			if byte(c) == valid[i] {
				continue
			}
			mutated := valid[:i] + string(c) + valid[i+1:]
			if err := VerifySignature("t", mutated, "1", "n"); !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("mutation at %d (%q) accepted", i, mutated)
			}
		}
	}
}

func TestVerifySignatureRejectsMissingInputs(t *testing.T) {
	valid := Signature("t", "1", "n")
	if err := VerifySignature("", valid, "1", "n"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatal("expected empty token to be rejected")
	}
	if err := VerifySignature("t", "", "1", "n"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatal("expected empty signature to be rejected")
	}
	if err := VerifySignature("t", valid[:len(valid)-1], "1", "n"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatal("expected truncated signature to be rejected")
	}
}

func FuzzSignatureOrderIndependent(f *testing.F) {
	f.Add("t", "1", "n")
	f.Add("token", "1700000000", "abc")
	f.Add("", "", "")
	f.Fuzz(func(t *testing.T, a, b, c string) {
		first := Signature(a, b, c)
		if len(first) != 40 {
			t.Fatalf("unexpected signature length %d", len(first))
		}
		if Signature(c, a, b) != first || Signature(b, c, a) != first {
			t.Fatal("signature must not depend on argument order")
		}
	})
}

func TestDeriveSessionIDDeterministic(t *testing.T) {
	key, err := DeriveKey("secret", PurposeSessionID)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	a := DeriveSessionID(key, "openid123", 1700000000)
	b := DeriveSessionID(key, "openid123", 1700000000)
	if a != b {
		t.Fatal("session id must be reproducible")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if a == DeriveSessionID(key, "openid123", 1700000001) {
		t.Fatal("timestamp must change the id")
	}
	if a == DeriveSessionID(key, "openid124", 1700000000) {
		t.Fatal("subject must change the id")
	}
	if !VerifySessionID(key, a, "openid123", 1700000000) {
		t.Fatal("expected id to verify")
	}
	if VerifySessionID(key, a, "openid123", 1700000001) {
		t.Fatal("expected mismatched timestamp to fail")
	}
}

func TestDeriveKeyPurposeSeparation(t *testing.T) {
	a, err := DeriveKey("secret", PurposeSessionID)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveKey("secret", PurposeStateToken)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if string(a) == string(b) {
		t.Fatal("keys for different purposes must differ")
	}
	if _, err := DeriveKey("", PurposeSessionID); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}

func TestStateTokenRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := NewStateTokenManager([]byte("0123456789abcdef0123456789abcdef"), func() time.Time { return now })
	token, expiresAt, err := m.Sign("123456", 5*time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !expiresAt.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}
	claims, err := m.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.PairingCode != "123456" {
		t.Fatalf("unexpected code %q", claims.PairingCode)
	}

	now = now.Add(6 * time.Minute)
	if _, err := m.Parse(token); !errors.Is(err, ErrInvalidStateToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestStateTokenRejectsOtherKey(t *testing.T) {
	a := NewStateTokenManager([]byte("key-a-key-a-key-a-key-a-key-a-00"), nil)
	b := NewStateTokenManager([]byte("key-b-key-b-key-b-key-b-key-b-00"), nil)
	token, _, err := a.Sign("654321", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := b.Parse(token); !errors.Is(err, ErrInvalidStateToken) {
		t.Fatalf("expected foreign token to be rejected, got %v", err)
	}
	if _, err := b.Parse("not-a-jwt"); !errors.Is(err, ErrInvalidStateToken) {
		t.Fatalf("expected garbage to be rejected, got %v", err)
	}
}

func TestNewPairingCodeFormat(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := NewPairingCode()
		if err != nil {
			t.Fatalf("pairing code: %v", err)
		}
		if len(code) != 6 || strings.Trim(code, "0123456789") != "" {
			t.Fatalf("unexpected pairing code %q", code)
		}
	}
}

func TestSessionCookie(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSessionCookie(rec, "abc", time.Hour, true)
	res := rec.Result()
	defer res.Body.Close()
	cookies := res.Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected 1 cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != SessionCookieName || c.Value != "abc" || !c.HttpOnly || !c.Secure || c.MaxAge != 3600 {
		t.Fatalf("unexpected cookie %+v", c)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: " abc "})
	if got := GetCookie(req, SessionCookieName); got != "abc" {
		t.Fatalf("GetCookie()=%q", got)
	}
	if got := GetCookie(req, "missing"); got != "" {
		t.Fatalf("expected empty cookie, got %q", got)
	}
}
