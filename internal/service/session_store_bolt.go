package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/misszhang/rosterboard/internal/domain"
	"github.com/misszhang/rosterboard/internal/observability"
	"github.com/misszhang/rosterboard/internal/security"

	"go.etcd.io/bbolt"
)

var (
	boltSessionsBucket = []byte("sessions")
	boltSubjectsBucket = []byte("session_subjects")
	boltPairingsBucket = []byte("pairings")
)

type boltPairing struct {
	SessionID string `json:"session_id"`
	ExpiresAt int64  `json:"expires_at"`
}

// BoltSessionStore keeps sessions in a local bbolt file so a single node
// survives restarts without Redis.
type BoltSessionStore struct {
	db  *bbolt.DB
	key []byte
	ttl time.Duration
	now func() time.Time
}

// OpenBoltDB opens (or creates) the session database at path.
func OpenBoltDB(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	return db, nil
}

func NewBoltSessionStore(db *bbolt.DB, opts SessionStoreOptions) (*BoltSessionStore, error) {
	opts = opts.normalized()
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{boltSessionsBucket, boltSubjectsBucket, boltPairingsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("init session buckets: %w", err)
	}
	return &BoltSessionStore{db: db, key: opts.Key, ttl: opts.TTL, now: opts.Now}, nil
}

func (s *BoltSessionStore) Create(ctx context.Context, subjectID string, profile domain.Profile) (string, error) {
	if subjectID == "" {
		observability.RecordSessionOperation(ctx, "create", "invalid")
		return "", ErrInvalidSubject
	}
	ts := s.now().Unix()
	id := security.DeriveSessionID(s.key, subjectID, ts)
	payload, err := json.Marshal(sessionRecord{SubjectID: subjectID, CreatedAt: ts, Profile: profile})
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(boltSessionsBucket).Put([]byte(id), payload); err != nil {
			return err
		}
		return tx.Bucket(boltSubjectsBucket).Put([]byte(subjectID), []byte(id))
	})
	if err != nil {
		observability.RecordSessionOperation(ctx, "create", "error")
		return "", fmt.Errorf("store session: %w", err)
	}
	observability.RecordSessionOperation(ctx, "create", "success")
	return id, nil
}

func (s *BoltSessionStore) Verify(ctx context.Context, sessionID string) (*domain.Profile, error) {
	rec, err := s.load(sessionID)
	if err != nil {
		observability.RecordSessionOperation(ctx, "verify", "not_found")
		return nil, err
	}
	if !security.VerifySessionID(s.key, sessionID, rec.SubjectID, rec.CreatedAt) {
		observability.RecordSessionOperation(ctx, "verify", "mismatch")
		return nil, ErrSessionNotFound
	}
	if sessionExpired(s.now(), rec.CreatedAt, s.ttl) {
		if err := s.db.Update(func(tx *bbolt.Tx) error {
			return removeBoltSession(tx, sessionID, rec.SubjectID)
		}); err != nil {
			return nil, fmt.Errorf("remove session: %w", err)
		}
		observability.RecordSessionOperation(ctx, "verify", "expired")
		return nil, ErrSessionNotFound
	}
	observability.RecordSessionOperation(ctx, "verify", "success")
	return &rec.Profile, nil
}

func (s *BoltSessionStore) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	rec, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	if !security.VerifySessionID(s.key, sessionID, rec.SubjectID, rec.CreatedAt) {
		return nil, ErrSessionNotFound
	}
	return rec.session(sessionID, sessionExpired(s.now(), rec.CreatedAt, s.ttl)), nil
}

func (s *BoltSessionStore) SessionForSubject(ctx context.Context, subjectID string) (*domain.Session, error) {
	var id string
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(boltSubjectsBucket).Get([]byte(subjectID)); v != nil {
			id = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read subject index: %w", err)
	}
	if id == "" {
		return nil, ErrSessionNotFound
	}
	if _, err := s.Verify(ctx, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *BoltSessionStore) ListActive(_ context.Context) ([]domain.SessionSummary, error) {
	now := s.now()
	out := []domain.SessionSummary{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltSessionsBucket).ForEach(func(k, v []byte) error {
			var rec sessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if sessionExpired(now, rec.CreatedAt, s.ttl) {
				return nil
			}
			out = append(out, domain.SessionSummary{
				ID:        string(k),
				SubjectID: rec.SubjectID,
				CreatedAt: rec.CreatedAt,
				Profile:   rec.Profile,
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	sortSummariesNewestFirst(out)
	return out, nil
}

// ExpireAllStale also drops undecodable records and lapsed pairing codes.
func (s *BoltSessionStore) ExpireAllStale(ctx context.Context) (int, error) {
	now := s.now()
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		type stale struct{ id, subject string }
		var doomed []stale
		err := tx.Bucket(boltSessionsBucket).ForEach(func(k, v []byte) error {
			var rec sessionRecord
			if err := json.Unmarshal(v, &rec); err != nil || sessionExpired(now, rec.CreatedAt, s.ttl) {
				doomed = append(doomed, stale{id: string(k), subject: rec.SubjectID})
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, d := range doomed {
			if err := removeBoltSession(tx, d.id, d.subject); err != nil {
				return err
			}
			removed++
		}

		pairings := tx.Bucket(boltPairingsBucket)
		var lapsed [][]byte
		err = pairings.ForEach(func(k, v []byte) error {
			var p boltPairing
			if err := json.Unmarshal(v, &p); err != nil || now.Unix() >= p.ExpiresAt {
				lapsed = append(lapsed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range lapsed {
			if err := pairings.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("expire stale sessions: %w", err)
	}
	if removed > 0 {
		observability.RecordSessionOperation(ctx, "expire_stale", "removed")
	}
	return removed, nil
}

func (s *BoltSessionStore) Logout(ctx context.Context, sessionID string) (bool, error) {
	found := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(boltSessionsBucket).Get([]byte(sessionID))
		if raw == nil {
			return nil
		}
		found = true
		var rec sessionRecord
		_ = json.Unmarshal(raw, &rec)
		return removeBoltSession(tx, sessionID, rec.SubjectID)
	})
	if err != nil {
		return false, fmt.Errorf("logout: %w", err)
	}
	if !found {
		observability.RecordSessionOperation(ctx, "logout", "not_found")
		return false, nil
	}
	observability.RecordSessionOperation(ctx, "logout", "success")
	return true, nil
}

func (s *BoltSessionStore) Count(ctx context.Context) (int, error) {
	active, err := s.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

func (s *BoltSessionStore) BindPairing(_ context.Context, code, sessionID string, ttl time.Duration) error {
	payload, err := json.Marshal(boltPairing{SessionID: sessionID, ExpiresAt: s.now().Add(ttl).Unix()})
	if err != nil {
		return fmt.Errorf("encode pairing: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltPairingsBucket).Put([]byte(code), payload)
	})
	if err != nil {
		return fmt.Errorf("bind pairing code: %w", err)
	}
	return nil
}

func (s *BoltSessionStore) ResolvePairing(_ context.Context, code string) (string, error) {
	var p boltPairing
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(boltPairingsBucket).Get([]byte(code))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &p)
	})
	if err != nil {
		return "", fmt.Errorf("resolve pairing code: %w", err)
	}
	if !found || s.now().Unix() >= p.ExpiresAt {
		return "", ErrPairingNotFound
	}
	return p.SessionID, nil
}

func (s *BoltSessionStore) load(sessionID string) (*sessionRecord, error) {
	var rec sessionRecord
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(boltSessionsBucket).Get([]byte(sessionID))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !found {
		return nil, ErrSessionNotFound
	}
	return &rec, nil
}

// removeBoltSession clears the subject index only when it still points at
// this session.
func removeBoltSession(tx *bbolt.Tx, sessionID, subjectID string) error {
	if err := tx.Bucket(boltSessionsBucket).Delete([]byte(sessionID)); err != nil {
		return err
	}
	subjects := tx.Bucket(boltSubjectsBucket)
	if subjectID != "" && string(subjects.Get([]byte(subjectID))) == sessionID {
		return subjects.Delete([]byte(subjectID))
	}
	return nil
}
