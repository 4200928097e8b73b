package store

import (
	"context"

	"chumnet/internal/crypto"
)

// Sealed encrypts record values at rest. The record key is bound as
// associated data, so a value copied under another key fails to open.
type Sealed struct {
	inner Storage
	key   []byte
}

func NewSealed(inner Storage, secret []byte) (*Sealed, error) {
	key, err := crypto.DeriveKey(secret, "chum/store/sealed/v1")
	if err != nil {
		return nil, err
	}
	return &Sealed{inner: inner, key: key}, nil
}

func (s *Sealed) Read(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	return crypto.Open(s.key, sealed, []byte(key))
}

func (s *Sealed) Write(ctx context.Context, key string, value []byte) error {
	if !ValidKey(key) {
		return ErrBadKey
	}
	sealed, err := crypto.Seal(s.key, value, []byte(key))
	if err != nil {
		return err
	}
	return s.inner.Write(ctx, key, sealed)
}

func (s *Sealed) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}
