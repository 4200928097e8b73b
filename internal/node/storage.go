package node

import (
	"context"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"chumnet/internal/config"
	"chumnet/internal/store"
)

const redisPingTimeout = 3 * time.Second

// OpenStorage builds the configured record store. With Sealed set, every
// record is encrypted with a key derived from secret.
func OpenStorage(ctx context.Context, home string, cfg config.StorageConfig, secret []byte) (store.Storage, func() error, error) {
	var (
		st      store.Storage
		closeFn = func() error { return nil }
	)
	switch cfg.Backend {
	case config.BackendMem:
		st = store.NewMemStore()
	case config.BackendFile, "":
		fs, err := store.NewFileStore(filepath.Join(home, "data"))
		if err != nil {
			return nil, nil, err
		}
		st = fs
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := client.Ping(pctx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return nil, nil, errors.Wrapf(err, "redis %s", cfg.RedisAddr)
		}
		st = store.NewRedisStore(client, cfg.Namespace)
		closeFn = client.Close
	default:
		return nil, nil, errors.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if cfg.Sealed {
		sealed, err := store.NewSealed(st, secret)
		if err != nil {
			_ = closeFn()
			return nil, nil, err
		}
		st = sealed
	}
	return st, closeFn, nil
}
