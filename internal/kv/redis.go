package kv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tollkeeper/cashu-gate/internal/logging"
)

// RedisConfig mirrors the pack's cache.Config shape.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// RedisStore implements Store on top of go-redis. Keys are stored as plain
// strings with Redis TTLs standing in for the contract's ExpirationTTL;
// prefix scans are served by maintaining a sorted set of live keys per
// "proofs:"/"metrics:"/"token_error:" namespace so List can page without a
// KEYS/SCAN full-keyspace walk.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials Redis and verifies connectivity with Ping, the same
// way the pack's cache.Init does.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logging.Error("failed to connect to redis", zap.Error(err))
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func indexKey(key string) string {
	// every key scheme this package writes is "<prefix>:<rest>"; index by
	// the prefix segment so List(prefix) only ever touches the relevant
	// index set.
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return "idx:" + key[:i]
	}
	return "idx:" + key
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *RedisStore) Put(ctx context.Context, key, value string, opts PutOptions) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, value, opts.ExpirationTTL)
	pipe.ZAdd(ctx, indexKey(key), redis.Z{Score: 0, Member: key})
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, indexKey(key), key)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}

	members, err := r.client.ZRange(ctx, indexKey(opts.Prefix), 0, -1).Result()
	if err != nil {
		return ListResult{}, err
	}
	sort.Strings(members)

	var live []string
	for _, m := range members {
		if opts.Prefix != "" && !strings.HasPrefix(m, opts.Prefix) {
			continue
		}
		// a key may have expired via Redis TTL without the index entry
		// being cleaned up yet; verify existence before returning it.
		exists, err := r.client.Exists(ctx, m).Result()
		if err != nil {
			return ListResult{}, err
		}
		if exists == 0 {
			r.client.ZRem(ctx, indexKey(m), m)
			continue
		}
		live = append(live, m)
	}

	start := 0
	if opts.Cursor != "" {
		if n, err := strconv.Atoi(opts.Cursor); err == nil {
			start = n
		}
	}

	end := start + limit
	complete := true
	cursor := ""
	if end < len(live) {
		complete = false
		cursor = strconv.Itoa(end)
	} else {
		end = len(live)
	}

	result := ListResult{ListComplete: complete, Cursor: cursor}
	for _, k := range live[start:end] {
		result.Keys = append(result.Keys, KeyInfo{Name: k})
	}
	return result, nil
}

// Close releases the underlying connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
