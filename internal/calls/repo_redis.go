package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisSessionKeyPrefix = "call_session:"
	redisCreatedIndexKey  = "call_sessions:by_created"
	redisCallIndexPrefix  = "call_sessions:by_call:"
)

// RedisRepo stores each session as a hash {version, data} where data is the JSON session.
// Writes go through Lua so the version check and the write are one atomic step.
type RedisRepo struct {
	rdb *redis.Client
	// TTL bounds how long a session survives in Redis; 0 keeps it forever.
	TTL time.Duration
}

func NewRedisRepo(rdb *redis.Client, ttl time.Duration) *RedisRepo {
	return &RedisRepo{rdb: rdb, TTL: ttl}
}

var sessionCreateScript = redis.NewScript(`
-- KEYS[1] = session key, KEYS[2] = created index, KEYS[3] = call id index key ('' if none)
-- ARGV[1] = data, ARGV[2] = created_ms, ARGV[3] = session id, ARGV[4] = ttl_ms
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'version', 1, 'data', ARGV[1])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
if KEYS[3] ~= '' then
  if tonumber(ARGV[4]) > 0 then
    redis.call('SET', KEYS[3], ARGV[3], 'PX', ARGV[4])
  else
    redis.call('SET', KEYS[3], ARGV[3])
  end
end
return 1
`)

var sessionSaveScript = redis.NewScript(`
-- KEYS[1] = session key, KEYS[2] = call id index key ('' if none)
-- ARGV[1] = expected version, ARGV[2] = data, ARGV[3] = ttl_ms, ARGV[4] = session id
--
-- Returns:
--  1 if written
--  0 on version conflict
-- -1 if the session does not exist
local cur = redis.call('HGET', KEYS[1], 'version')
if not cur then
  return -1
end
if tonumber(cur) ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', tonumber(ARGV[1]) + 1, 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
if KEYS[2] ~= '' then
  if tonumber(ARGV[3]) > 0 then
    redis.call('SET', KEYS[2], ARGV[4], 'PX', ARGV[3])
  else
    redis.call('SET', KEYS[2], ARGV[4])
  end
end
return 1
`)

func redisSessionKey(id string) string { return redisSessionKeyPrefix + id }

func redisCallIndexKey(providerCallID string) string {
	if providerCallID == "" {
		return ""
	}
	return redisCallIndexPrefix + providerCallID
}

func (r *RedisRepo) Create(ctx context.Context, s Session) (Session, error) {
	if s.SessionID == "" {
		return Session{}, ErrInvalidSession
	}
	s.Version = 1
	data, err := json.Marshal(s)
	if err != nil {
		return Session{}, fmt.Errorf("calls: marshal session: %w", err)
	}
	res, err := sessionCreateScript.Run(ctx, r.rdb,
		[]string{redisSessionKey(s.SessionID), redisCreatedIndexKey, redisCallIndexKey(s.ProviderCallID)},
		string(data), s.CreatedAt.UnixMilli(), s.SessionID, r.TTL.Milliseconds(),
	).Int()
	if err != nil {
		return Session{}, fmt.Errorf("calls: redis create: %w", err)
	}
	if res == 0 {
		return Session{}, ErrAlreadyExists
	}
	return s, nil
}

func (r *RedisRepo) Load(ctx context.Context, sessionID string) (Session, error) {
	vals, err := r.rdb.HMGet(ctx, redisSessionKey(sessionID), "version", "data").Result()
	if err != nil {
		return Session{}, fmt.Errorf("calls: redis load: %w", err)
	}
	return decodeRedisSession(vals)
}

func (r *RedisRepo) Save(ctx context.Context, s Session) (Session, error) {
	expected := s.Version
	s.Version = expected + 1
	data, err := json.Marshal(s)
	if err != nil {
		return Session{}, fmt.Errorf("calls: marshal session: %w", err)
	}
	res, err := sessionSaveScript.Run(ctx, r.rdb,
		[]string{redisSessionKey(s.SessionID), redisCallIndexKey(s.ProviderCallID)},
		expected, string(data), r.TTL.Milliseconds(), s.SessionID,
	).Int()
	if err != nil {
		return Session{}, fmt.Errorf("calls: redis save: %w", err)
	}
	switch res {
	case 1:
		return s, nil
	case 0:
		return Session{}, ErrConflict
	default:
		return Session{}, ErrNotFound
	}
}

func (r *RedisRepo) FindByProviderCallID(ctx context.Context, providerCallID string) (Session, error) {
	if providerCallID == "" {
		return Session{}, ErrNotFound
	}
	id, err := r.rdb.Get(ctx, redisCallIndexKey(providerCallID)).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("calls: redis find: %w", err)
	}
	return r.Load(ctx, id)
}

func (r *RedisRepo) List(ctx context.Context, f ListFilter) ([]Session, error) {
	lo, hi := "-inf", "+inf"
	if !f.From.IsZero() {
		lo = fmt.Sprintf("%d", f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		hi = fmt.Sprintf("(%d", f.To.UnixMilli())
	}
	ids, err := r.rdb.ZRangeByScore(ctx, redisCreatedIndexKey, &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, fmt.Errorf("calls: redis list: %w", err)
	}
	if len(ids) == 0 {
		return []Session{}, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, redisSessionKey(id), "version", "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("calls: redis list: %w", err)
	}

	out := make([]Session, 0, len(ids))
	for _, cmd := range cmds {
		s, err := decodeRedisSession(cmd.Val())
		if errors.Is(err, ErrNotFound) {
			// Expired via TTL; the index entry is stale.
			continue
		}
		if err != nil {
			return nil, err
		}
		if !f.Match(s) {
			continue
		}
		out = append(out, s)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func decodeRedisSession(vals []any) (Session, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Session{}, ErrNotFound
	}
	raw, ok := vals[1].(string)
	if !ok {
		return Session{}, fmt.Errorf("calls: unexpected redis payload type %T", vals[1])
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Session{}, fmt.Errorf("calls: decode session: %w", err)
	}
	if vs, ok := vals[0].(string); ok {
		var v int64
		if _, err := fmt.Sscan(vs, &v); err == nil {
			s.Version = v
		}
	}
	return s, nil
}
