package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	poolEntryTTL = 7 * 24 * time.Hour
	livenessTTL  = 5 * time.Minute
)

// PoolPrice is one pushed last price held in the shared cross-peer pool.
type PoolPrice struct {
	Key          string  `json:"key"` // synthetic cross-peer identity
	SourceDomain string  `json:"src"`
	Price        float64 `json:"price"`
	Timestamp    int64   `json:"ts"` // Unix ms
}

// RedisStore holds the shared lastprice pool and peer-liveness scratch state.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying client for middleware that needs raw access.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func poolKey(syntheticKey string) string {
	return fmt.Sprintf("pool:lastprice:%s", syntheticKey)
}

func livenessKey(domain string) string {
	return fmt.Sprintf("peer:alive:%s", domain)
}

// SetPoolPrice stores a pushed last price in the shared pool. Newer pushes
// overwrite older ones; stale entries expire on their own.
func (s *RedisStore) SetPoolPrice(ctx context.Context, p *PoolPrice) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, poolKey(p.Key), data, poolEntryTTL).Err()
}

// GetPoolPrice retrieves a pooled last price, or nil if absent.
func (s *RedisStore) GetPoolPrice(ctx context.Context, syntheticKey string) (*PoolPrice, error) {
	data, err := s.client.Get(ctx, poolKey(syntheticKey)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var p PoolPrice
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPoolPrices retrieves pooled prices for several keys at once. Missing
// keys produce nil entries at the matching index.
func (s *RedisStore) GetPoolPrices(ctx context.Context, syntheticKeys []string) ([]*PoolPrice, error) {
	if len(syntheticKeys) == 0 {
		return nil, nil
	}
	keys := make([]string, len(syntheticKeys))
	for i, k := range syntheticKeys {
		keys[i] = poolKey(k)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*PoolPrice, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var p PoolPrice
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		out[i] = &p
	}
	return out, nil
}

// MarkPeerAlive records a successful call to or from the peer.
func (s *RedisStore) MarkPeerAlive(ctx context.Context, domain string) error {
	return s.client.Set(ctx, livenessKey(domain), time.Now().UnixMilli(), livenessTTL).Err()
}

// IsPeerAlive reports whether the peer was seen recently.
func (s *RedisStore) IsPeerAlive(ctx context.Context, domain string) (bool, error) {
	n, err := s.client.Exists(ctx, livenessKey(domain)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
