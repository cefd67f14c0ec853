package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/misszhang/rosterboard/internal/domain"
	"github.com/misszhang/rosterboard/internal/observability"
	"github.com/misszhang/rosterboard/internal/security"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrPairingNotFound = errors.New("pairing code not found")
	ErrInvalidSubject  = errors.New("subject id must not be empty")
)

// SessionStore maps session ids to login snapshots. Expired and logged out
// sessions are indistinguishable from sessions that never existed.
type SessionStore interface {
	Create(ctx context.Context, subjectID string, profile domain.Profile) (string, error)
	Verify(ctx context.Context, sessionID string) (*domain.Profile, error)
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	SessionForSubject(ctx context.Context, subjectID string) (*domain.Session, error)
	ListActive(ctx context.Context) ([]domain.SessionSummary, error)
	ExpireAllStale(ctx context.Context) (int, error)
	Logout(ctx context.Context, sessionID string) (bool, error)
	Count(ctx context.Context) (int, error)
	BindPairing(ctx context.Context, code, sessionID string, ttl time.Duration) error
	ResolvePairing(ctx context.Context, code string) (string, error)
}

type SessionStoreOptions struct {
	Key []byte
	TTL time.Duration
	Now func() time.Time
}

func (o SessionStoreOptions) normalized() SessionStoreOptions {
	if o.TTL <= 0 {
		o.TTL = time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type sessionRecord struct {
	SubjectID string         `json:"subject_id"`
	CreatedAt int64          `json:"created_at"`
	Profile   domain.Profile `json:"profile"`
}

// sessionExpired reports whether a session created at ts is past ttl at now.
// A session exactly ttl seconds old is still valid.
func sessionExpired(now time.Time, ts int64, ttl time.Duration) bool {
	return now.Unix()-ts > int64(ttl/time.Second)
}

func (r sessionRecord) session(id string, expired bool) *domain.Session {
	return &domain.Session{
		ID:        id,
		SubjectID: r.SubjectID,
		CreatedAt: r.CreatedAt,
		Profile:   r.Profile,
		Expired:   expired,
	}
}

func sortSummariesNewestFirst(items []domain.SessionSummary) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt > items[j].CreatedAt
		}
		return items[i].ID < items[j].ID
	})
}

type pairingBinding struct {
	sessionID string
	expiresAt time.Time
}

type InMemorySessionStore struct {
	key []byte
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	sessions  map[string]sessionRecord
	bySubject map[string]string
	pairings  map[string]pairingBinding
}

func NewInMemorySessionStore(opts SessionStoreOptions) *InMemorySessionStore {
	opts = opts.normalized()
	return &InMemorySessionStore{
		key:       opts.Key,
		ttl:       opts.TTL,
		now:       opts.Now,
		sessions:  make(map[string]sessionRecord),
		bySubject: make(map[string]string),
		pairings:  make(map[string]pairingBinding),
	}
}

func (s *InMemorySessionStore) Create(ctx context.Context, subjectID string, profile domain.Profile) (string, error) {
	if subjectID == "" {
		observability.RecordSessionOperation(ctx, "create", "invalid")
		return "", ErrInvalidSubject
	}
	ts := s.now().Unix()
	id := security.DeriveSessionID(s.key, subjectID, ts)

	s.mu.Lock()
	s.sessions[id] = sessionRecord{SubjectID: subjectID, CreatedAt: ts, Profile: profile}
	s.bySubject[subjectID] = id
	s.mu.Unlock()

	observability.RecordSessionOperation(ctx, "create", "success")
	return id, nil
}

func (s *InMemorySessionStore) Verify(ctx context.Context, sessionID string) (*domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		observability.RecordSessionOperation(ctx, "verify", "not_found")
		return nil, ErrSessionNotFound
	}
	if !security.VerifySessionID(s.key, sessionID, rec.SubjectID, rec.CreatedAt) {
		observability.RecordSessionOperation(ctx, "verify", "mismatch")
		return nil, ErrSessionNotFound
	}
	if sessionExpired(s.now(), rec.CreatedAt, s.ttl) {
		s.removeLocked(sessionID, rec.SubjectID)
		observability.RecordSessionOperation(ctx, "verify", "expired")
		return nil, ErrSessionNotFound
	}
	observability.RecordSessionOperation(ctx, "verify", "success")
	profile := rec.Profile
	return &profile, nil
}

func (s *InMemorySessionStore) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok || !security.VerifySessionID(s.key, sessionID, rec.SubjectID, rec.CreatedAt) {
		return nil, ErrSessionNotFound
	}
	return rec.session(sessionID, sessionExpired(s.now(), rec.CreatedAt, s.ttl)), nil
}

func (s *InMemorySessionStore) SessionForSubject(ctx context.Context, subjectID string) (*domain.Session, error) {
	s.mu.Lock()
	id, ok := s.bySubject[subjectID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if _, err := s.Verify(ctx, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *InMemorySessionStore) ListActive(_ context.Context) ([]domain.SessionSummary, error) {
	s.mu.Lock()
	now := s.now()
	out := make([]domain.SessionSummary, 0, len(s.sessions))
	for id, rec := range s.sessions {
		if sessionExpired(now, rec.CreatedAt, s.ttl) {
			continue
		}
		out = append(out, domain.SessionSummary{
			ID:        id,
			SubjectID: rec.SubjectID,
			CreatedAt: rec.CreatedAt,
			Profile:   rec.Profile,
		})
	}
	s.mu.Unlock()

	sortSummariesNewestFirst(out)
	return out, nil
}

func (s *InMemorySessionStore) ExpireAllStale(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, rec := range s.sessions {
		if sessionExpired(now, rec.CreatedAt, s.ttl) {
			s.removeLocked(id, rec.SubjectID)
			removed++
		}
	}
	for code, binding := range s.pairings {
		if !now.Before(binding.expiresAt) {
			delete(s.pairings, code)
		}
	}
	if removed > 0 {
		observability.RecordSessionOperation(ctx, "expire_stale", "removed")
	}
	return removed, nil
}

func (s *InMemorySessionStore) Logout(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		observability.RecordSessionOperation(ctx, "logout", "not_found")
		return false, nil
	}
	s.removeLocked(sessionID, rec.SubjectID)
	observability.RecordSessionOperation(ctx, "logout", "success")
	return true, nil
}

func (s *InMemorySessionStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, rec := range s.sessions {
		if !sessionExpired(now, rec.CreatedAt, s.ttl) {
			n++
		}
	}
	return n, nil
}

func (s *InMemorySessionStore) BindPairing(_ context.Context, code, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairings[code] = pairingBinding{sessionID: sessionID, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *InMemorySessionStore) ResolvePairing(_ context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	binding, ok := s.pairings[code]
	if !ok {
		return "", ErrPairingNotFound
	}
	if !s.now().Before(binding.expiresAt) {
		delete(s.pairings, code)
		return "", ErrPairingNotFound
	}
	return binding.sessionID, nil
}

// removeLocked drops the session and clears the subject index only when it
// still points at this session.
func (s *InMemorySessionStore) removeLocked(sessionID, subjectID string) {
	delete(s.sessions, sessionID)
	if s.bySubject[subjectID] == sessionID {
		delete(s.bySubject, subjectID)
	}
}
