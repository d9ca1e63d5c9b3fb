package db

import (
	"context"
	"time"

	"github.com/mezonai/blockclique/logx"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 5 * time.Second

// RedisProvider implements IterableProvider for Redis. Keys are namespaced so
// several nodes can share one server.
type RedisProvider struct {
	client    *redis.Client
	namespace string
}

// NewRedisProvider connects and pings the server
func NewRedisProvider(address, namespace string) (*RedisProvider, error) {
	client := redis.NewClient(&redis.Options{Addr: address})

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "connect redis at %s", address)
	}
	logx.Info("REDIS", "Connected to ", address, " namespace=", namespace)
	return &RedisProvider{client: client, namespace: namespace}, nil
}

func (p *RedisProvider) key(key []byte) string {
	return p.namespace + ":" + string(key)
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

func (p *RedisProvider) Get(key []byte) ([]byte, error) {
	ctx, cancel := opContext()
	defer cancel()
	value, err := p.client.Get(ctx, p.key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "redis get %q", key)
	}
	return value, nil
}

func (p *RedisProvider) Put(key, value []byte) error {
	ctx, cancel := opContext()
	defer cancel()
	return errors.Wrapf(p.client.Set(ctx, p.key(key), value, 0).Err(), "redis set %q", key)
}

func (p *RedisProvider) Delete(key []byte) error {
	ctx, cancel := opContext()
	defer cancel()
	return errors.Wrapf(p.client.Del(ctx, p.key(key)).Err(), "redis del %q", key)
}

func (p *RedisProvider) Has(key []byte) (bool, error) {
	ctx, cancel := opContext()
	defer cancel()
	count, err := p.client.Exists(ctx, p.key(key)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redis exists %q", key)
	}
	return count > 0, nil
}

func (p *RedisProvider) Close() error {
	return p.client.Close()
}

// Batch uses MULTI/EXEC so the write is atomic on the server
func (p *RedisProvider) Batch() DatabaseBatch {
	return &RedisBatch{provider: p, pipe: p.client.TxPipeline()}
}

// IteratePrefix scans matching keys. SCAN order is unspecified.
func (p *RedisProvider) IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error {
	ctx, cancel := opContext()
	defer cancel()

	pattern := p.key(prefix) + "*"
	strip := len(p.namespace) + 1
	var cursor uint64
	for {
		keys, next, err := p.client.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return errors.Wrap(err, "redis scan")
		}
		for _, k := range keys {
			val, err := p.client.Get(ctx, k).Bytes()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				return errors.Wrapf(err, "redis get %q", k)
			}
			if !fn([]byte(k[strip:]), val) {
				return nil
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// RedisBatch implements DatabaseBatch for Redis
type RedisBatch struct {
	provider *RedisProvider
	pipe     redis.Pipeliner
}

func (b *RedisBatch) Put(key, value []byte) {
	b.pipe.Set(context.Background(), b.provider.key(key), value, 0)
}

func (b *RedisBatch) Delete(key []byte) {
	b.pipe.Del(context.Background(), b.provider.key(key))
}

func (b *RedisBatch) Write() error {
	ctx, cancel := opContext()
	defer cancel()
	_, err := b.pipe.Exec(ctx)
	return errors.Wrap(err, "redis batch exec")
}

func (b *RedisBatch) Reset() {
	b.pipe.Discard()
	b.pipe = b.provider.client.TxPipeline()
}
