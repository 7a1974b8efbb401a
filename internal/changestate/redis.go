package changestate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding one field per entity
const DefaultRedisKey = "homeschedule:changestate"

// HashClient is the slice of Redis the persister needs
type HashClient interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, values map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// redisHashClient implements HashClient using go-redis
type redisHashClient struct {
	client *redis.Client
}

// NewRedisClient connects a HashClient to a Redis server
func NewRedisClient(addr, password string, db int) HashClient {
	return &redisHashClient{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (r *redisHashClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	val, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get hash %s: %w", key, err)
	}
	return val, nil
}

func (r *redisHashClient) HSet(ctx context.Context, key string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	if err := r.client.HSet(ctx, key, values).Err(); err != nil {
		return fmt.Errorf("failed to set hash %s: %w", key, err)
	}
	return nil
}

func (r *redisHashClient) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("failed to delete hash fields %s: %w", key, err)
	}
	return nil
}

func (r *redisHashClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisHashClient) Close() error {
	return r.client.Close()
}

// RedisPersister stores each entity as a JSON field of one hash
type RedisPersister struct {
	client HashClient
	key    string
}

// NewRedisPersister creates a persister on key; empty key uses DefaultRedisKey
func NewRedisPersister(client HashClient, key string) *RedisPersister {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisPersister{client: client, key: key}
}

// Load decodes every field of the hash
func (p *RedisPersister) Load(ctx context.Context) (map[string]EntityChangeState, error) {
	fields, err := p.client.HGetAll(ctx, p.key)
	if err != nil {
		return nil, err
	}

	states := make(map[string]EntityChangeState, len(fields))
	for id, raw := range fields {
		var st EntityChangeState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("failed to decode change state for %s: %w", id, err)
		}
		states[id] = st
	}
	return states, nil
}

// Save writes every state and drops fields for entities no longer present
func (p *RedisPersister) Save(ctx context.Context, states map[string]EntityChangeState) error {
	existing, err := p.client.HGetAll(ctx, p.key)
	if err != nil {
		return err
	}

	values := make(map[string]string, len(states))
	for id, st := range states {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("failed to encode change state for %s: %w", id, err)
		}
		values[id] = string(data)
	}

	var stale []string
	for id := range existing {
		if _, ok := states[id]; !ok {
			stale = append(stale, id)
		}
	}

	if err := p.client.HSet(ctx, p.key, values); err != nil {
		return err
	}
	return p.client.HDel(ctx, p.key, stale...)
}
