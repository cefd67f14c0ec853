package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/misszhang/rosterboard/internal/domain"
	"github.com/misszhang/rosterboard/internal/observability"
	"github.com/misszhang/rosterboard/internal/security"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore keeps sessions in Redis:
//
//	<prefix>:data:<id>        JSON record, expires ttl+1m after creation
//	<prefix>:subject:<openid> current session id for the subject
//	<prefix>:active           sorted set of ids scored by creation time
//	<prefix>:pair:<code>      pairing code binding
type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
	key    []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisSessionStore(client redis.UniversalClient, prefix string, opts SessionStoreOptions) *RedisSessionStore {
	opts = opts.normalized()
	if prefix == "" {
		prefix = "rosterboard:session"
	}
	return &RedisSessionStore{
		client: client,
		prefix: prefix,
		key:    opts.Key,
		ttl:    opts.TTL,
		now:    opts.Now,
	}
}

func (s *RedisSessionStore) Create(ctx context.Context, subjectID string, profile domain.Profile) (string, error) {
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

	expiry := s.ttl + time.Minute
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(id), payload, expiry)
	pipe.Set(ctx, s.subjectKey(subjectID), id, expiry)
	pipe.ZAdd(ctx, s.activeKey(), redis.Z{Score: float64(ts), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		observability.RecordSessionOperation(ctx, "create", "error")
		return "", fmt.Errorf("store session: %w", err)
	}
	observability.RecordSessionOperation(ctx, "create", "success")
	return id, nil
}

func (s *RedisSessionStore) Verify(ctx context.Context, sessionID string) (*domain.Profile, error) {
	rec, err := s.load(ctx, sessionID)
	if err != nil {
		observability.RecordSessionOperation(ctx, "verify", "not_found")
		return nil, err
	}
	if !security.VerifySessionID(s.key, sessionID, rec.SubjectID, rec.CreatedAt) {
		observability.RecordSessionOperation(ctx, "verify", "mismatch")
		return nil, ErrSessionNotFound
	}
	if sessionExpired(s.now(), rec.CreatedAt, s.ttl) {
		if err := s.remove(ctx, sessionID, rec.SubjectID); err != nil {
			return nil, err
		}
		observability.RecordSessionOperation(ctx, "verify", "expired")
		return nil, ErrSessionNotFound
	}
	observability.RecordSessionOperation(ctx, "verify", "success")
	return &rec.Profile, nil
}

func (s *RedisSessionStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	rec, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !security.VerifySessionID(s.key, sessionID, rec.SubjectID, rec.CreatedAt) {
		return nil, ErrSessionNotFound
	}
	return rec.session(sessionID, sessionExpired(s.now(), rec.CreatedAt, s.ttl)), nil
}

func (s *RedisSessionStore) SessionForSubject(ctx context.Context, subjectID string) (*domain.Session, error) {
	id, err := s.client.Get(ctx, s.subjectKey(subjectID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read subject index: %w", err)
	}
	if _, err := s.Verify(ctx, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *RedisSessionStore) ListActive(ctx context.Context) ([]domain.SessionSummary, error) {
	ids, err := s.client.ZRevRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{
		Min: s.cutoff(),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	if len(ids) == 0 {
		return []domain.SessionSummary{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.dataKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load active sessions: %w", err)
	}

	now := s.now()
	out := make([]domain.SessionSummary, 0, len(ids))
	for i, raw := range values {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var rec sessionRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			continue
		}
		if sessionExpired(now, rec.CreatedAt, s.ttl) || !security.VerifySessionID(s.key, ids[i], rec.SubjectID, rec.CreatedAt) {
			continue
		}
		out = append(out, domain.SessionSummary{
			ID:        ids[i],
			SubjectID: rec.SubjectID,
			CreatedAt: rec.CreatedAt,
			Profile:   rec.Profile,
		})
	}
	sortSummariesNewestFirst(out)
	return out, nil
}

func (s *RedisSessionStore) ExpireAllStale(ctx context.Context) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + s.cutoff(),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}
	removed := 0
	for _, id := range ids {
		rec, err := s.load(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			if err := s.client.ZRem(ctx, s.activeKey(), id).Err(); err != nil {
				return removed, fmt.Errorf("drop stale index entry: %w", err)
			}
			removed++
			continue
		}
		if err != nil {
			return removed, err
		}
		if err := s.remove(ctx, id, rec.SubjectID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		observability.RecordSessionOperation(ctx, "expire_stale", "removed")
	}
	return removed, nil
}

func (s *RedisSessionStore) Logout(ctx context.Context, sessionID string) (bool, error) {
	rec, err := s.load(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		observability.RecordSessionOperation(ctx, "logout", "not_found")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.remove(ctx, sessionID, rec.SubjectID); err != nil {
		return false, err
	}
	observability.RecordSessionOperation(ctx, "logout", "success")
	return true, nil
}

func (s *RedisSessionStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCount(ctx, s.activeKey(), s.cutoff(), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return int(n), nil
}

func (s *RedisSessionStore) BindPairing(ctx context.Context, code, sessionID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.pairKey(code), sessionID, ttl).Err(); err != nil {
		return fmt.Errorf("bind pairing code: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) ResolvePairing(ctx context.Context, code string) (string, error) {
	id, err := s.client.Get(ctx, s.pairKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrPairingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve pairing code: %w", err)
	}
	return id, nil
}

func (s *RedisSessionStore) load(ctx context.Context, sessionID string) (*sessionRecord, error) {
	raw, err := s.client.Get(ctx, s.dataKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var rec sessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, ErrSessionNotFound
	}
	return &rec, nil
}

// remove drops the session and clears the subject index only when it still
// points at this session.
func (s *RedisSessionStore) remove(ctx context.Context, sessionID, subjectID string) error {
	current, err := s.client.Get(ctx, s.subjectKey(subjectID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read subject index: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.dataKey(sessionID))
	pipe.ZRem(ctx, s.activeKey(), sessionID)
	if current == sessionID {
		pipe.Del(ctx, s.subjectKey(subjectID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// cutoff is the oldest creation time that is still valid.
func (s *RedisSessionStore) cutoff() string {
	return strconv.FormatInt(s.now().Unix()-int64(s.ttl/time.Second), 10)
}

func (s *RedisSessionStore) dataKey(id string) string {
	return fmt.Sprintf("%s:data:%s", s.prefix, id)
}

func (s *RedisSessionStore) subjectKey(subjectID string) string {
	return fmt.Sprintf("%s:subject:%s", s.prefix, subjectID)
}

func (s *RedisSessionStore) activeKey() string {
	return s.prefix + ":active"
}

func (s *RedisSessionStore) pairKey(code string) string {
	return fmt.Sprintf("%s:pair:%s", s.prefix, code)
}
