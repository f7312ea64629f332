package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "coachstream:ledger:"
	maxRedisTxRetries  = 16
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key (default: "coachstream:ledger:").
	Prefix string
}

// RedisStore keeps one JSON document per session plus user and topic set
// indexes and a sorted set of update times for the retention sweep.
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client, e.g. one pointed at miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) sessionKey(id string) string { return r.prefix + "session:" + id }
func (r *RedisStore) userKey(userID string) string { return r.prefix + "user:" + userID }
func (r *RedisStore) topicKey(topicID string) string { return r.prefix + "topic:" + topicID }
func (r *RedisStore) updatedKey() string { return r.prefix + "updated" }

func (r *RedisStore) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

func (r *RedisStore) Insert(ctx context.Context, s Session) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	doc, err := encode(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.sessionKey(s.SessionID), doc, 0).Result()
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if !ok {
		return ErrExists
	}

	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, r.userKey(s.UserID), s.SessionID)
	if s.TopicID != "" {
		pipe.SAdd(ctx, r.topicKey(s.TopicID), s.SessionID)
	}
	pipe.ZAdd(ctx, r.updatedKey(), redis.Z{Score: float64(s.UpdatedAt), Member: s.SessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, sessionID string) (Session, error) {
	if err := r.checkOpen(); err != nil {
		return Session{}, err
	}
	raw, err := r.client.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	s, err := decode(raw)
	if err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return s, nil
}

// Update runs fn under WATCH and retries when another writer commits first.
func (r *RedisStore) Update(ctx context.Context, sessionID string, fn func(*Session) error) (Session, error) {
	if err := r.checkOpen(); err != nil {
		return Session{}, err
	}
	key := r.sessionKey(sessionID)
	var out Session
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return fmt.Errorf("get session: %w", err)
		}
		s, err := decode(raw)
		if err != nil {
			return fmt.Errorf("decode session %s: %w", sessionID, err)
		}
		out = clone(s)
		if err := fn(&s); err != nil {
			return err
		}
		doc, err := encode(s)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, 0)
			pipe.ZAdd(ctx, r.updatedKey(), redis.Z{Score: float64(s.UpdatedAt), Member: sessionID})
			return nil
		})
		if err == nil {
			out = s
		}
		return err
	}

	for i := 0; i < maxRedisTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		switch {
		case err == nil, errors.Is(err, ErrUnchanged):
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return Session{}, err
		}
	}
	return Session{}, fmt.Errorf("update session %s: too many concurrent writers", sessionID)
}

func (r *RedisStore) ListByUser(ctx context.Context, userID string) ([]Session, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list user index: %w", err)
	}
	out := make([]Session, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sessionKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load user sessions: %w", err)
	}
	var stale []string
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		s, err := decode([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode session %s: %w", ids[i], err)
		}
		out = append(out, s)
	}
	if err := r.pruneIndex(ctx, r.userKey(userID), stale); err != nil {
		return nil, err
	}
	return out, nil
}

// pruneIndex drops ids whose session document is gone from the set index at
// key and from the updated index.
func (r *RedisStore) pruneIndex(ctx context.Context, key string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, key, members...)
	pipe.ZRem(ctx, r.updatedKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("prune index %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) ListUpdatedBefore(ctx context.Context, cutoffMs int64) ([]string, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := r.client.ZRangeByScore(ctx, r.updatedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoffMs, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range updated index: %w", err)
	}
	return ids, nil
}

func (r *RedisStore) ListByTopic(ctx context.Context, topicID string) ([]string, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := r.client.SMembers(ctx, r.topicKey(topicID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list topic index: %w", err)
	}
	if len(ids) == 0 {
		return ids, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sessionKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load topic sessions: %w", err)
	}
	live := make([]string, 0, len(ids))
	var stale []string
	for i, v := range vals {
		if v == nil {
			stale = append(stale, ids[i])
			continue
		}
		live = append(live, ids[i])
	}
	if err := r.pruneIndex(ctx, r.topicKey(topicID), stale); err != nil {
		return nil, err
	}
	return live, nil
}

func (r *RedisStore) Delete(ctx context.Context, sessionIDs ...string) (int, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	n := 0
	for _, id := range sessionIDs {
		s, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			if err := r.client.ZRem(ctx, r.updatedKey(), id).Err(); err != nil {
				return n, fmt.Errorf("drop updated index entry %s: %w", id, err)
			}
			continue
		}
		if err != nil {
			return n, err
		}

		pipe := r.client.TxPipeline()
		del := pipe.Del(ctx, r.sessionKey(id))
		pipe.SRem(ctx, r.userKey(s.UserID), id)
		if s.TopicID != "" {
			pipe.SRem(ctx, r.topicKey(s.TopicID), id)
		}
		pipe.ZRem(ctx, r.updatedKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return n, fmt.Errorf("delete session %s: %w", id, err)
		}
		n += int(del.Val())
	}
	return n, nil
}

func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
