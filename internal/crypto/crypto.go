// internal/crypto/crypto.go
package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/pkg/errors"
)

// -----------------------------------------------------------------------------
// Fixed suite: ECDSA P-256 + SHA-256 for signatures and hashing,
// HPKE (DHKEM P-256, HKDF-SHA256, ChaCha20-Poly1305) for Encrypt/Decrypt,
// XChaCha20-Poly1305 for local sealing.
// Public keys are 65 byte uncompressed points, private keys 32 byte scalars.
// -----------------------------------------------------------------------------

const (
	PublicKeySize  = 65
	PrivateKeySize = 32
	HashSize       = sha256.Size
)

var (
	ErrNoPrivateKey = errors.New("no private key material")
	ErrBadPublicKey = errors.New("bad public key")
	ErrBadKey       = errors.New("bad private key")
)

type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

func (k KeyPair) HasPrivate() bool {
	return len(k.PrivateKey) == PrivateKeySize
}

func (k KeyPair) String() string {
	return fmt.Sprintf("KeyPair{pub=%x, priv=REDACTED}", k.PublicKey)
}

func (k KeyPair) GoString() string {
	return "crypto.KeyPair{REDACTED}"
}

// Signature binds signature bytes to the data they cover and the claimed signer.
type Signature struct {
	SignerID string
	Data     []byte
	Sig      []byte
}

func GenerateKeyPair() (KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, "generate p256 key")
	}
	return KeyPair{
		PublicKey:  priv.PublicKey().Bytes(),
		PrivateKey: priv.Bytes(),
	}, nil
}

// KeyPairFromPrivate recomputes the public half of a raw private scalar.
func KeyPairFromPrivate(raw []byte) (KeyPair, error) {
	if len(raw) != PrivateKeySize {
		return KeyPair{}, ErrBadKey
	}
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return KeyPair{}, errors.Wrap(ErrBadKey, err.Error())
	}
	out := make([]byte, PrivateKeySize)
	copy(out, raw)
	return KeyPair{PublicKey: priv.PublicKey().Bytes(), PrivateKey: out}, nil
}

func Hash(msg []byte) []byte {
	sum := sha256.Sum256(msg)
	return sum[:]
}

func HashHex(msg []byte) string {
	return hex.EncodeToString(Hash(msg))
}

// SignBytes returns an ASN.1 ECDSA signature over SHA-256(msg).
func SignBytes(priv, msg []byte) ([]byte, error) {
	if len(priv) == 0 {
		return nil, ErrNoPrivateKey
	}
	key, err := parsePrivateKey(priv)
	if err != nil {
		return nil, err
	}
	sig, err := ecdsa.SignASN1(rand.Reader, key, Hash(msg))
	if err != nil {
		return nil, errors.Wrap(err, "ecdsa sign")
	}
	return sig, nil
}

func Sign(priv []byte, signerID string, msg []byte) (Signature, error) {
	sig, err := SignBytes(priv, msg)
	if err != nil {
		return Signature{}, err
	}
	data := make([]byte, len(msg))
	copy(data, msg)
	return Signature{SignerID: signerID, Data: data, Sig: sig}, nil
}

// Verify reports false for any malformed key, message or signature.
func Verify(pub, msg, sig []byte) bool {
	if len(sig) == 0 {
		return false
	}
	key, err := parsePublicKey(pub)
	if err != nil {
		return false
	}
	return ecdsa.VerifyASN1(key, Hash(msg), sig)
}

func VerifySignature(pub []byte, s Signature) bool {
	return Verify(pub, s.Data, s.Sig)
}

func IsPublicKey(pub []byte) bool {
	_, err := parsePublicKey(pub)
	return err == nil
}

func parsePublicKey(pub []byte) (*ecdsa.PublicKey, error) {
	if len(pub) != PublicKeySize || pub[0] != 4 {
		return nil, ErrBadPublicKey
	}
	// NewPublicKey rejects points that are not on the curve.
	if _, err := ecdh.P256().NewPublicKey(pub); err != nil {
		return nil, ErrBadPublicKey
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(pub[1:33]),
		Y:     new(big.Int).SetBytes(pub[33:65]),
	}, nil
}

func parsePrivateKey(raw []byte) (*ecdsa.PrivateKey, error) {
	kp, err := KeyPairFromPrivate(raw)
	if err != nil {
		return nil, err
	}
	pub, err := parsePublicKey(kp.PublicKey)
	if err != nil {
		return nil, err
	}
	return &ecdsa.PrivateKey{PublicKey: *pub, D: new(big.Int).SetBytes(raw)}, nil
}
