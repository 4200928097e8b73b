package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// XChaCha20-Poly1305 sizes
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24
)

var ErrSealed = errors.New("sealed data rejected")

// DeriveKey expands secret into a 32 byte key bound to info.
func DeriveKey(secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty key material")
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, XKeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errors.Wrap(err, "hkdf expand")
	}
	return out, nil
}

// Seal returns nonce || ciphertext using a random 24 byte nonce.
func Seal(key32, plaintext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, errors.Errorf("bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	out := make([]byte, XNonceSize, XNonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:XNonceSize], plaintext, aad), nil
}

func Open(key32, sealed, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, errors.Errorf("bad key size: need %d", XKeySize)
	}
	if len(sealed) < XNonceSize {
		return nil, ErrSealed
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, sealed[:XNonceSize], sealed[XNonceSize:], aad)
	if err != nil {
		return nil, ErrSealed
	}
	return pt, nil
}
