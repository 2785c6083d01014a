package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang/snappy"
)

// RedisStoreOpts 配置 redis 后端。
type RedisStoreOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisStore.Close is called.
	// Optional.
	ClientCloser io.Closer

	// Prefix is prepended to every key. Default is "shell-cache:".
	Prefix string

	// ClientTimeout bounds every redis round trip. Default is 2s.
	ClientTimeout time.Duration
}

func (opts *RedisStoreOpts) init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if opts.Prefix == "" {
		opts.Prefix = "shell-cache:"
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = 2 * time.Second
	}
	return nil
}

// RedisStore 使用一个 SET 记录代际，每个代际一个 HASH（字段为 Identity 哈希）。
// 条目值复用磁盘格式并经 snappy 压缩。
type RedisStore struct {
	opts RedisStoreOpts
}

// 代际不在集合中时拒绝写入，避免已删除的代际被后台写入复活。
var redisPutScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// NewRedisStore 构造 redis 后端。
func NewRedisStore(opts RedisStoreOpts) (*RedisStore, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	return &RedisStore{opts: opts}, nil
}

// DialRedis 按地址创建客户端并确认连通，返回的 Store 负责关闭客户端。
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisStore(RedisStoreOpts{Client: client, ClientCloser: client, Prefix: prefix})
}

func (r *RedisStore) generationsKey() string {
	return r.opts.Prefix + "generations"
}

func (r *RedisStore) bucketKey(generation string) string {
	return r.opts.Prefix + "gen:" + generation
}

func (r *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opts.ClientTimeout)
}

func (r *RedisStore) Open(ctx context.Context, generation string) (Bucket, error) {
	if err := validGeneration(generation); err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.opts.Client.SAdd(ctx, r.generationsKey(), generation).Err(); err != nil {
		return nil, fmt.Errorf("redis create generation %s: %w", generation, err)
	}
	return &redisBucket{store: r, generation: generation}, nil
}

func (r *RedisStore) Generations(ctx context.Context) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	members, err := r.opts.Client.SMembers(ctx, r.generationsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list generations: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

func (r *RedisStore) Delete(ctx context.Context, generation string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var removed *redis.IntCmd
	_, err := r.opts.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, r.generationsKey(), generation)
		pipe.Del(ctx, r.bucketKey(generation))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete generation %s: %w", generation, err)
	}
	return removed.Val() > 0, nil
}

// Close closes the redis client.
func (r *RedisStore) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

type redisBucket struct {
	store      *RedisStore
	generation string
}

func (b *redisBucket) Generation() string {
	return b.generation
}

func (b *redisBucket) Get(ctx context.Context, id Identity) (*Response, error) {
	ctx, cancel := b.store.withTimeout(ctx)
	defer cancel()
	raw, err := b.store.opts.Client.HGet(ctx, b.store.bucketKey(b.generation), id.Hash()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	data, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("redis entry decompress: %w", err)
	}
	resp, key, err := decodeEntry(data)
	if err != nil {
		return nil, err
	}
	if key != id.Key() {
		return nil, ErrNotFound
	}
	return resp, nil
}

func (b *redisBucket) Put(ctx context.Context, id Identity, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	payload, err := encodeEntry(id, stamp(resp))
	if err != nil {
		return err
	}
	ctx, cancel := b.store.withTimeout(ctx)
	defer cancel()
	keys := []string{b.store.generationsKey(), b.store.bucketKey(b.generation)}
	stored, err := redisPutScript.Run(ctx, b.store.opts.Client, keys, b.generation, id.Hash(), snappy.Encode(nil, payload)).Int()
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	if stored == 0 {
		return ErrGenerationDeleted
	}
	return nil
}
