package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"consensus-trader/internal/model"
	"consensus-trader/internal/service"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss key 不存在
var ErrCacheMiss = errors.New("cache miss")

// RedisStore 每个 (category, symbol) 的最新快照与每个 symbol 的最新决策
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore 建立连接并 Ping，失败时返回错误
func NewRedisStore(cfg service.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &service.NetworkError{Op: "redis ping", Err: err}
	}
	return NewRedisStoreWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreWithClient 复用已有客户端
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Close() error { return s.client.Close() }

// Health 供 /readyz 使用
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SaveSnapshot 覆盖写入最新快照
func (s *RedisStore) SaveSnapshot(ctx context.Context, snap *model.MarketSnapshot) error {
	key := SnapshotKey(snap.Category, snap.Symbol)
	if err := s.set(ctx, key, NewSnapshotRecord(snap)); err != nil {
		return fmt.Errorf("redis save snapshot %s: %w", key, err)
	}
	return nil
}

// LatestSnapshot 不存在时返回 ErrCacheMiss
func (s *RedisStore) LatestSnapshot(ctx context.Context, category model.Category, symbol string) (*SnapshotRecord, error) {
	var rec SnapshotRecord
	if err := s.get(ctx, SnapshotKey(category, symbol), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveDecision 每个 symbol 的最新决策
func (s *RedisStore) SaveDecision(ctx context.Context, d *model.ConsensusDecision) error {
	key := DecisionKey(d.Symbol)
	if err := s.set(ctx, key, NewDecisionRecord(d)); err != nil {
		return fmt.Errorf("redis save decision %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) LatestDecision(ctx context.Context, symbol string) (*DecisionRecord, error) {
	var rec DecisionRecord
	if err := s.get(ctx, DecisionKey(symbol), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SnapshotKey snapshot:stocks:AAPL
func SnapshotKey(category model.Category, symbol string) string {
	return "snapshot:" + model.SubscriptionKey{Category: category, Symbol: strings.ToUpper(symbol)}.String()
}

// DecisionKey decision:AAPL
func DecisionKey(symbol string) string {
	return "decision:" + strings.ToUpper(symbol)
}

func (s *RedisStore) set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.wrapKey(key), data, s.ttl).Err()
}

func (s *RedisStore) get(ctx context.Context, key string, dest interface{}) error {
	data, err := s.client.Get(ctx, s.wrapKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *RedisStore) wrapKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}
