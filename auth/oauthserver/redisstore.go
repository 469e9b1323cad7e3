package oauthserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ FlowStore = (*RedisFlowStore)(nil)

// RedisFlowStore shares flows between replicas. Each flow is a JSON string
// with a PX expiry; codes are separate keys pointing at their flow.
type RedisFlowStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisFlowStore builds a store. keyPrefix defaults to "toolgateway:oauth:".
func NewRedisFlowStore(client redis.UniversalClient, keyPrefix string) (*RedisFlowStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = "toolgateway:oauth:"
	}
	return &RedisFlowStore{client: client, keyPrefix: keyPrefix}, nil
}

func (s *RedisFlowStore) flowKey(id string) string   { return s.keyPrefix + "flow:" + id }
func (s *RedisFlowStore) codeKey(code string) string { return s.keyPrefix + "code:" + code }

func (s *RedisFlowStore) Create(ctx context.Context, f Flow) error {
	ttl := time.Until(f.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("oauthserver: flow %s already expired", f.ID)
	}
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.flowKey(f.ID), b, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis set flow: %w", err)
	}
	if !ok {
		return fmt.Errorf("oauthserver: flow %s already exists", f.ID)
	}
	return nil
}

func (s *RedisFlowStore) Get(ctx context.Context, id string) (Flow, error) {
	b, err := s.client.Get(ctx, s.flowKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Flow{}, ErrFlowNotFound
	}
	if err != nil {
		return Flow{}, fmt.Errorf("redis get flow: %w", err)
	}
	var f Flow
	if err := json.Unmarshal(b, &f); err != nil {
		return Flow{}, fmt.Errorf("decode flow: %w", err)
	}
	return f, nil
}

// transitionScript replaces the flow only if its stored state still equals
// ARGV[1]. KEYS[2], when present, is the code index to write.
var transitionScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return -1 end
local f = cjson.decode(cur)
if f['state'] ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
if #KEYS > 1 then
  redis.call('SET', KEYS[2], ARGV[4], 'PX', ARGV[3])
end
return 1
`)

func (s *RedisFlowStore) Transition(ctx context.Context, id string, from State, update func(*Flow)) (Flow, error) {
	f, err := s.Get(ctx, id)
	if err != nil {
		return Flow{}, err
	}
	if f.State != from {
		return Flow{}, fmt.Errorf("%w: %s is %s, want %s", ErrFlowState, id, f.State, from)
	}
	prevCode := f.Code
	update(&f)
	f.ID = id
	ttl := time.Until(f.ExpiresAt)
	if ttl <= 0 {
		return Flow{}, ErrFlowNotFound
	}
	b, err := json.Marshal(f)
	if err != nil {
		return Flow{}, fmt.Errorf("marshal flow: %w", err)
	}
	keys := []string{s.flowKey(id)}
	if f.Code != "" && f.Code != prevCode {
		keys = append(keys, s.codeKey(f.Code))
	}
	res, err := transitionScript.Run(ctx, s.client, keys, string(from), b, ttl.Milliseconds(), id).Int()
	if err != nil {
		return Flow{}, fmt.Errorf("redis transition flow: %w", err)
	}
	switch res {
	case -1:
		return Flow{}, ErrFlowNotFound
	case 0:
		return Flow{}, fmt.Errorf("%w: %s moved concurrently", ErrFlowState, id)
	}
	return f, nil
}

func (s *RedisFlowStore) TakeCode(ctx context.Context, code string) (string, error) {
	id, err := s.client.GetDel(ctx, s.codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrFlowNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis take code: %w", err)
	}
	return id, nil
}
