package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"grievline/internal/domain"
)

// RedisStore keeps samples in sorted sets scored by Unix milliseconds: one set for
// all samples and one per operation.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, prefix), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "grievline:metrics"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(operation string) string {
	if operation == "" {
		return s.prefix + ":all"
	}
	return s.prefix + ":op:" + operation
}

func (s *RedisStore) Append(ctx context.Context, m domain.MetricSample) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	z := redis.Z{Score: float64(m.Timestamp.UnixMilli()), Member: string(data)}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.key(""), z)
		p.ZAdd(ctx, s.key(m.Operation), z)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append sample: %w", err)
	}
	return nil
}

func scoreBounds(q Query) *redis.ZRangeBy {
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !q.Since.IsZero() {
		by.Min = strconv.FormatInt(q.Since.UnixMilli(), 10)
	}
	if !q.Until.IsZero() {
		by.Max = strconv.FormatInt(q.Until.UnixMilli(), 10)
	}
	return by
}

func (s *RedisStore) Range(ctx context.Context, q Query) ([]domain.MetricSample, error) {
	members, err := s.client.ZRangeByScore(ctx, s.key(q.Operation), scoreBounds(q)).Result()
	if err != nil {
		return nil, fmt.Errorf("range samples: %w", err)
	}
	res := make([]domain.MetricSample, 0, len(members))
	for _, raw := range members {
		m, err := decodeSample(raw)
		if err != nil {
			return nil, err
		}
		if q.matches(m) {
			res = append(res, m)
		}
	}
	return res, nil
}

func (s *RedisStore) RecentErrors(ctx context.Context, q Query, n int) ([]domain.MetricSample, error) {
	if n <= 0 {
		return nil, nil
	}
	members, err := s.client.ZRevRangeByScore(ctx, s.key(q.Operation), scoreBounds(q)).Result()
	if err != nil {
		return nil, fmt.Errorf("recent errors: %w", err)
	}
	var res []domain.MetricSample
	for _, raw := range members {
		m, err := decodeSample(raw)
		if err != nil {
			return nil, err
		}
		if m.Success || !q.matches(m) {
			continue
		}
		res = append(res, m)
		if len(res) == n {
			break
		}
	}
	return res, nil
}

func decodeSample(raw string) (domain.MetricSample, error) {
	var m domain.MetricSample
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return m, fmt.Errorf("unmarshal sample: %w", err)
	}
	return m, nil
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
