package store

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const scanBatch = 256

// RedisStore keeps records as plain string keys under a namespace prefix.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
}

func NewRedisStore(client redis.UniversalClient, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "chum"
	}
	return &RedisStore{client: client, namespace: strings.TrimSuffix(namespace, ":") + ":"}
}

func (s *RedisStore) key(k string) string { return s.namespace + k }

func (s *RedisStore) Read(ctx context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, ErrBadKey
	}
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get record")
	}
	return data, nil
}

func (s *RedisStore) Write(ctx context.Context, key string, value []byte) error {
	if !ValidKey(key) {
		return ErrBadKey
	}
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return errors.Wrap(err, "failed to save record")
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	match := s.key(prefix) + "*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan records")
		}
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, s.namespace))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if !ValidKey(key) {
		return ErrBadKey
	}
	n, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return errors.Wrap(err, "failed to delete record")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
