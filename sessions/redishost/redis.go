package redishost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/tool-gateway/sessions"
)

// Config for the Redis-backed Host. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=toolgateway:sessions:"`
	// StreamMaxLen caps each session's event stream (approximate trim).
	StreamMaxLen int64 `env:"SESSIONS_STREAM_MAXLEN,default=1000"`
}

const (
	defaultPrefix    = "toolgateway:sessions:"
	maxUpdateRetries = 16
	pollBlock        = 500 * time.Millisecond
)

type Host struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
}

func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &Host{client: cl, keyPrefix: prefix, maxLen: maxLen}, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// ConfigFromEnv decodes Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode redis config: %w", err)
	}
	return cfg, nil
}

// Client exposes the underlying connection so other Redis-backed stores can
// share it.
func (h *Host) Client() redis.UniversalClient { return h.client }

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

// --- Key helpers ---

func (h *Host) sessionKey(id string) string        { return h.keyPrefix + "sess:" + id }
func (h *Host) identityKey(identity string) string { return h.keyPrefix + "ident:" + identity }
func (h *Host) expiryKey() string                  { return h.keyPrefix + "expiry" }
func (h *Host) streamKey(id string) string         { return h.keyPrefix + "stream:" + id }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// --- Records ---

func (h *Host) CreateSession(ctx context.Context, s sessions.Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ok, err := h.client.SetNX(ctx, h.sessionKey(s.ID), b, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return sessions.ErrSessionExists
	}
	_, err = h.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, h.expiryKey(), redis.Z{Score: score(s.ExpiresAt), Member: s.ID})
		if s.Identity != "" {
			p.Set(ctx, h.identityKey(s.Identity), s.ID, 0)
		}
		return nil
	})
	return err
}

func (h *Host) GetSession(ctx context.Context, id string) (sessions.Session, error) {
	b, err := h.client.Get(ctx, h.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return sessions.Session{}, sessions.ErrSessionNotFound
		}
		return sessions.Session{}, err
	}
	return decodeSession(b)
}

func decodeSession(b []byte) (sessions.Session, error) {
	var s sessions.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return sessions.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

// UpdateSession uses WATCH/MULTI and retries when another writer wins.
func (h *Host) UpdateSession(ctx context.Context, id string, fn func(*sessions.Session) error) (sessions.Session, error) {
	key := h.sessionKey(id)
	var out sessions.Session
	txf := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return sessions.ErrSessionNotFound
			}
			return err
		}
		s, err := decodeSession(b)
		if err != nil {
			return err
		}
		if err := fn(&s); err != nil {
			return err
		}
		s.ID = id
		nb, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, nb, 0)
			p.ZAdd(ctx, h.expiryKey(), redis.Z{Score: score(s.ExpiresAt), Member: id})
			return nil
		})
		if err == nil {
			out = s
		}
		return err
	}
	for i := 0; i < maxUpdateRetries; i++ {
		err := h.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return sessions.Session{}, err
	}
	return sessions.Session{}, fmt.Errorf("update session %s: too much contention", id)
}

var releaseIdentityScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (h *Host) DeleteSession(ctx context.Context, id string) error {
	c := context.WithoutCancel(ctx)
	s, err := h.GetSession(c, id)
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
	case err != nil:
		return err
	case s.Identity != "":
		if err := releaseIdentityScript.Run(c, h.client, []string{h.identityKey(s.Identity)}, id).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
	}
	_, err = h.client.TxPipelined(c, func(p redis.Pipeliner) error {
		p.Del(c, h.sessionKey(id), h.streamKey(id))
		p.ZRem(c, h.expiryKey(), id)
		return nil
	})
	return err
}

func (h *Host) FindByIdentity(ctx context.Context, identity string) (sessions.Session, error) {
	id, err := h.client.Get(ctx, h.identityKey(identity)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return sessions.Session{}, sessions.ErrSessionNotFound
		}
		return sessions.Session{}, err
	}
	return h.GetSession(ctx, id)
}

func (h *Host) ListIdle(ctx context.Context, before time.Time) ([]sessions.Session, error) {
	ids, err := h.client.ZRangeByScore(ctx, h.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = h.sessionKey(id)
	}
	vals, err := h.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]sessions.Session, 0, len(ids))
	var stale []any
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		s, err := decodeSession([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if len(stale) > 0 {
		_ = h.client.ZRem(ctx, h.expiryKey(), stale...).Err()
	}
	return out, nil
}

// --- Events via Redis Streams ---

func (h *Host) PublishEvent(ctx context.Context, sessionID string, data []byte) (string, error) {
	return h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.streamKey(sessionID),
		MaxLen: h.maxLen,
		Approx: true,
		Values: map[string]any{"d": data},
	}).Result()
}

// SubscribeEvents reads from the stream tail as of the call. It returns nil
// once the session record is gone.
func (h *Host) SubscribeEvents(ctx context.Context, sessionID string, handler sessions.EventHandler) error {
	key := h.streamKey(sessionID)
	start := "0-0"
	last, err := h.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if len(last) > 0 {
		start = last[0].ID
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 16, Block: pollBlock}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				n, err := h.client.Exists(ctx, h.sessionKey(sessionID)).Result()
				if err != nil {
					return err
				}
				if n == 0 {
					return nil
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				start = m.ID
				var payload []byte
				switch v := m.Values["d"].(type) {
				case string:
					payload = []byte(v)
				case []byte:
					payload = v
				default:
					payload = []byte(fmt.Sprintf("%v", v))
				}
				if err := handler(ctx, m.ID, payload); err != nil {
					return err
				}
			}
		}
	}
}

var _ sessions.Host = (*Host)(nil)
