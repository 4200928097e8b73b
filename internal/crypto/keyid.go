package crypto

import (
	"strings"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

const (
	keyIDPrefix    = "chum1"
	personIDPrefix = "did:chum:"
	personIDLen    = 20
)

// KeyID is the text form of a public key. It carries the whole point, so a
// key id alone is enough to verify a signature.
func KeyID(pub []byte) string {
	if len(pub) == 0 {
		return ""
	}
	return keyIDPrefix + base58.Encode(pub)
}

// PublicKeyFromID reverses KeyID and rejects ids that do not hold a valid point.
func PublicKeyFromID(id string) ([]byte, error) {
	if !strings.HasPrefix(id, keyIDPrefix) {
		return nil, errors.Wrap(ErrBadPublicKey, "missing key id prefix")
	}
	raw, err := base58.Decode(strings.TrimPrefix(id, keyIDPrefix))
	if err != nil {
		return nil, errors.Wrap(ErrBadPublicKey, "key id encoding")
	}
	if !IsPublicKey(raw) {
		return nil, ErrBadPublicKey
	}
	return raw, nil
}

func IsKeyID(s string) bool {
	_, err := PublicKeyFromID(s)
	return err == nil
}

// PersonID derives a DID-like person identifier from the person's main key.
// It stays valid when the person later adds or rotates keys.
func PersonID(mainPub []byte) string {
	if len(mainPub) == 0 {
		return ""
	}
	sum := Hash(append([]byte("chum:person:v1"), mainPub...))
	return personIDPrefix + base58.Encode(sum[:personIDLen])
}

func IsPersonID(s string) bool {
	if !strings.HasPrefix(s, personIDPrefix) {
		return false
	}
	raw, err := base58.Decode(strings.TrimPrefix(s, personIDPrefix))
	return err == nil && len(raw) == personIDLen
}
