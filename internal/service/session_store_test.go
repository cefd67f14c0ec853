package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/misszhang/rosterboard/internal/domain"
	"github.com/misszhang/rosterboard/internal/security"
)

const testSessionTTL = time.Hour

var testSessionKey = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sessionStoreHarness struct {
	store   SessionStore
	clock   *fakeClock
	advance func(time.Duration)
}

type sessionStoreFactory func(t *testing.T) sessionStoreHarness

func runSessionStoreSuite(t *testing.T, factory sessionStoreFactory) {
	ctx := context.Background()
	profile := domain.Profile{OpenID: "openid123", Nickname: "小张", HeadImgURL: "http://img/a.png"}

	t.Run("create then verify returns the profile", func(t *testing.T) {
		h := factory(t)
		id, err := h.store.Create(ctx, "openid123", profile)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		want := security.DeriveSessionID(testSessionKey, "openid123", h.clock.Now().Unix())
		if id != want {
			t.Fatalf("id %q is not the derived id %q", id, want)
		}
		got, err := h.store.Verify(ctx, id)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if *got != profile {
			t.Fatalf("profile mismatch: %#v", got)
		}
	})

	t.Run("ttl boundary", func(t *testing.T) {
		h := factory(t)
		id, err := h.store.Create(ctx, "openid123", profile)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		h.advance(testSessionTTL)
		if _, err := h.store.Verify(ctx, id); err != nil {
			t.Fatalf("session exactly ttl old must be valid: %v", err)
		}
		h.advance(time.Second)
		if _, err := h.store.Verify(ctx, id); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected expiry at ttl+1, got %v", err)
		}
		if _, err := h.store.Get(ctx, id); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expired session must be evicted on verify, got %v", err)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		h := factory(t)
		if _, err := h.store.Verify(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("list active skips expired and orders newest first", func(t *testing.T) {
		h := factory(t)
		old, err := h.store.Create(ctx, "old", domain.Profile{OpenID: "old"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		h.advance(testSessionTTL / 2)
		mid, err := h.store.Create(ctx, "mid", domain.Profile{OpenID: "mid"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		h.advance(time.Second)
		latest, err := h.store.Create(ctx, "latest", domain.Profile{OpenID: "latest"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		items, err := h.store.ListActive(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(items) != 3 || items[0].ID != latest || items[1].ID != mid || items[2].ID != old {
			t.Fatalf("unexpected order %#v", items)
		}

		h.advance(testSessionTTL/2 + time.Second)
		items, err = h.store.ListActive(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		now := h.clock.Now().Unix()
		for _, item := range items {
			if now-item.CreatedAt > int64(testSessionTTL/time.Second) {
				t.Fatalf("expired entry listed: %#v", item)
			}
			if item.ID == old {
				t.Fatal("expired session must not be listed")
			}
		}
		if len(items) != 2 {
			t.Fatalf("expected 2 active sessions, got %d", len(items))
		}
		n, err := h.store.Count(ctx)
		if err != nil || n != 2 {
			t.Fatalf("Count()=%d err=%v", n, err)
		}
	})

	t.Run("two logins within the same second", func(t *testing.T) {
		h := factory(t)
		a, err := h.store.Create(ctx, "subject-a", domain.Profile{OpenID: "subject-a"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		b, err := h.store.Create(ctx, "subject-b", domain.Profile{OpenID: "subject-b"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		items, err := h.store.ListActive(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		seen := map[string]bool{}
		for _, item := range items {
			seen[item.ID] = true
		}
		if len(items) != 2 || !seen[a] || !seen[b] {
			t.Fatalf("expected both sessions, got %#v", items)
		}
	})

	t.Run("logout then verify", func(t *testing.T) {
		h := factory(t)
		id, err := h.store.Create(ctx, "openid123", profile)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		removed, err := h.store.Logout(ctx, id)
		if err != nil || !removed {
			t.Fatalf("Logout()=%v err=%v", removed, err)
		}
		if _, err := h.store.Verify(ctx, id); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected not found after logout, got %v", err)
		}
		if _, err := h.store.SessionForSubject(ctx, "openid123"); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("subject index must be cleared, got %v", err)
		}
		removed, err = h.store.Logout(ctx, id)
		if err != nil || removed {
			t.Fatalf("second Logout()=%v err=%v", removed, err)
		}
	})

	t.Run("relogin moves the index and orphans the previous session", func(t *testing.T) {
		h := factory(t)
		first, err := h.store.Create(ctx, "openid123", profile)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		h.advance(time.Second)
		second, err := h.store.Create(ctx, "openid123", profile)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if first == second {
			t.Fatal("new timestamp must produce a new id")
		}
		got, err := h.store.Verify(ctx, first)
		if err != nil || got.OpenID != "openid123" {
			t.Fatalf("orphaned session must verify until it expires: profile=%+v err=%v", got, err)
		}
		active, err := h.store.ListActive(ctx)
		if err != nil {
			t.Fatalf("list active: %v", err)
		}
		if len(active) != 2 || active[0].ID != second || active[1].ID != first {
			t.Fatalf("expected both sessions newest first, got %+v", active)
		}
		sess, err := h.store.SessionForSubject(ctx, "openid123")
		if err != nil {
			t.Fatalf("session for subject: %v", err)
		}
		if sess.ID != second {
			t.Fatalf("expected index to point at %q, got %q", second, sess.ID)
		}
		removed, err := h.store.Logout(ctx, first)
		if err != nil || !removed {
			t.Fatalf("logout of orphaned id Logout()=%v err=%v", removed, err)
		}
		if _, err := h.store.SessionForSubject(ctx, "openid123"); err != nil {
			t.Fatalf("index must survive logout of an older id: %v", err)
		}
		h.advance(testSessionTTL)
		if _, err := h.store.Verify(ctx, first); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("orphaned session must be gone after logout, got %v", err)
		}
	})

	t.Run("get reports expiry without evicting", func(t *testing.T) {
		h := factory(t)
		id, err := h.store.Create(ctx, "openid123", profile)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		h.advance(testSessionTTL + time.Second)
		sess, err := h.store.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !sess.Expired || sess.SubjectID != "openid123" {
			t.Fatalf("unexpected session %#v", sess)
		}
	})

	t.Run("expire all stale", func(t *testing.T) {
		h := factory(t)
		if _, err := h.store.Create(ctx, "a", domain.Profile{OpenID: "a"}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := h.store.Create(ctx, "b", domain.Profile{OpenID: "b"}); err != nil {
			t.Fatalf("create: %v", err)
		}
		h.advance(testSessionTTL)
		fresh, err := h.store.Create(ctx, "c", domain.Profile{OpenID: "c"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		removed, err := h.store.ExpireAllStale(ctx)
		if err != nil || removed != 0 {
			t.Fatalf("nothing is stale yet: removed=%d err=%v", removed, err)
		}
		h.advance(time.Second)
		removed, err = h.store.ExpireAllStale(ctx)
		if err != nil || removed != 2 {
			t.Fatalf("ExpireAllStale()=%d err=%v", removed, err)
		}
		if _, err := h.store.Verify(ctx, fresh); err != nil {
			t.Fatalf("fresh session must survive the sweep: %v", err)
		}
	})

	t.Run("pairing bindings", func(t *testing.T) {
		h := factory(t)
		if err := h.store.BindPairing(ctx, "123456", "sid", time.Minute); err != nil {
			t.Fatalf("bind: %v", err)
		}
		got, err := h.store.ResolvePairing(ctx, "123456")
		if err != nil || got != "sid" {
			t.Fatalf("ResolvePairing()=%q err=%v", got, err)
		}
		if _, err := h.store.ResolvePairing(ctx, "654321"); !errors.Is(err, ErrPairingNotFound) {
			t.Fatalf("expected ErrPairingNotFound, got %v", err)
		}
		h.advance(time.Minute + time.Second)
		if _, err := h.store.ResolvePairing(ctx, "123456"); !errors.Is(err, ErrPairingNotFound) {
			t.Fatalf("expected expired pairing, got %v", err)
		}
	})

	t.Run("empty subject is rejected", func(t *testing.T) {
		h := factory(t)
		if _, err := h.store.Create(ctx, "", profile); !errors.Is(err, ErrInvalidSubject) {
			t.Fatalf("expected ErrInvalidSubject, got %v", err)
		}
	})
}

func newMemoryHarness(t *testing.T) sessionStoreHarness {
	t.Helper()
	clock := newFakeClock()
	store := NewInMemorySessionStore(SessionStoreOptions{Key: testSessionKey, TTL: testSessionTTL, Now: clock.Now})
	return sessionStoreHarness{store: store, clock: clock, advance: clock.Advance}
}

func TestInMemorySessionStore(t *testing.T) {
	runSessionStoreSuite(t, newMemoryHarness)
}

func TestInMemorySessionStoreRejectsTamperedEntry(t *testing.T) {
	h := newMemoryHarness(t)
	store := h.store.(*InMemorySessionStore)
	ts := h.clock.Now().Unix()
	store.sessions["forged"] = sessionRecord{SubjectID: "openid123", CreatedAt: ts}

	if _, err := store.Verify(context.Background(), "forged"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected forged id to be rejected, got %v", err)
	}

	genuine := security.DeriveSessionID(testSessionKey, "openid123", ts)
	store.sessions[genuine] = sessionRecord{SubjectID: "openid123", CreatedAt: ts - 1}
	if _, err := store.Verify(context.Background(), genuine); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected timestamp tampering to be rejected, got %v", err)
	}
}

func TestInMemorySessionStoreConcurrentCreate(t *testing.T) {
	h := newMemoryHarness(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subject := string(rune('a'+i%26)) + string(rune('a'+i/26))
			if _, err := h.store.Create(context.Background(), subject, domain.Profile{OpenID: subject}); err != nil {
				t.Errorf("create: %v", err)
			}
		}(i)
	}
	wg.Wait()
	n, err := h.store.Count(context.Background())
	if err != nil || n != 50 {
		t.Fatalf("Count()=%d err=%v", n, err)
	}
}

func testProfile() domain.Profile {
	return domain.Profile{OpenID: "openid123", Nickname: "小张", HeadImgURL: "http://img/a.png"}
}
