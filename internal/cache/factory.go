package cache

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type DiskOptions struct {
	// Type is one of "file", "redis" or "disabled".
	Type        string
	Dir         string
	Redis       *redis.Client
	RedisPrefix string
	RedisTTL    time.Duration
}

// NewDiskTier creates the disk tier for one asset kind. File tiers get a
// sub-directory per kind and redis tiers a key namespace per kind, so kinds
// sharing an id space never collide.
func NewDiskTier(opts DiskOptions, kind string, log *zap.Logger) (DiskTier, error) {
	log = log.With(zap.String("kind", kind))
	switch opts.Type {
	case "file":
		dir := filepath.Join(opts.Dir, kind)
		log.Debug("Using file cache", zap.String("cache_dir", dir))
		return NewFileCache(dir, log)
	case "redis":
		if opts.Redis == nil {
			return nil, fmt.Errorf("redis disk cache requires a redis client")
		}
		log.Debug("Using redis cache", zap.String("prefix", opts.RedisPrefix))
		return NewRedisCache(opts.Redis, opts.RedisPrefix, kind, opts.RedisTTL, log), nil
	case "disabled":
		log.Debug("Disk cache disabled")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("unknown disk cache type: %s (supported: file, redis, disabled)", opts.Type)
	}
}
