package cache

import (
	"context"
	"fmt"
	"path/filepath"
)

// Options 选择并配置缓存后端。
type Options struct {
	Backend       string
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Open 根据 Options.Backend 构造对应的 Store：fs（默认）、memory、sqlite、redis。
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", "fs":
		return NewStore(opts.Path)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(filepath.Join(opts.Path, "shell-cache.db"))
	case "redis":
		return DialRedis(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", opts.Backend)
	}
}
