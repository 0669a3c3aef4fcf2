package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "jobkit/pkg/logx"
	"jobkit/pkg/supervisable"
)

type redisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Max      int
}

// redisStore keeps each record kind in a list capped at max entries,
// newest at the head.
type redisStore struct {
	client     *redis.Client
	log        logx.Logger
	max        int
	eventsKey  string
	reportsKey string
}

func openRedis(ctx context.Context, o redisOptions, log logx.Logger) (Store, error) {
	if strings.TrimSpace(o.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return newRedisStore(client, o.Key, o.Max, log), nil
}

func newRedisStore(client *redis.Client, key string, max int, log logx.Logger) *redisStore {
	if key == "" {
		key = "jobkit"
	}
	return &redisStore{
		client:     client,
		log:        log,
		max:        max,
		eventsKey:  key + ":events",
		reportsKey: key + ":reports",
	}
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) push(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, int64(s.max-1))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) AppendEvent(ctx context.Context, ev supervisable.EndEvent) error {
	return s.push(ctx, s.eventsKey, ev)
}

func (s *redisStore) RecentEvents(ctx context.Context, limit int) ([]supervisable.EndEvent, error) {
	return redisRange[supervisable.EndEvent](ctx, s.client, s.eventsKey, clampLimit(limit, s.max))
}

func (s *redisStore) AppendReport(ctx context.Context, e ReportEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return s.push(ctx, s.reportsKey, e)
}

func (s *redisStore) RecentReports(ctx context.Context, limit int) ([]ReportEntry, error) {
	return redisRange[ReportEntry](ctx, s.client, s.reportsKey, clampLimit(limit, s.max))
}

func redisRange[T any](ctx context.Context, client *redis.Client, key string, limit int) ([]T, error) {
	raw, err := client.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			return nil, fmt.Errorf("decode %s entry: %w", key, err)
		}
		out = append(out, v)
	}
	return out, nil
}
