package crypto

import (
	"crypto/ecdh"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/tyler-smith/go-bip39"
)

const (
	mnemonicEntropyBits = 256
	hkdfInfoIdentity    = "chum/identity/p256/v1"
	maxDeriveAttempts   = 16
)

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return "", errors.Wrap(err, "mnemonic entropy")
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", errors.Wrap(err, "mnemonic encode")
	}
	return mnemonic, nil
}

func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(normalizeMnemonic(mnemonic))
}

// KeyPairFromMnemonic deterministically derives the identity key pair.
// A derived scalar outside the curve order is retried with the next counter.
func KeyPairFromMnemonic(mnemonic string) (KeyPair, error) {
	mnemonic = normalizeMnemonic(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return KeyPair{}, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	for i := 0; i < maxDeriveAttempts; i++ {
		raw, err := DeriveKey(seed, fmt.Sprintf("%s/%d", hkdfInfoIdentity, i))
		if err != nil {
			return KeyPair{}, err
		}
		if _, err := ecdh.P256().NewPrivateKey(raw); err != nil {
			continue
		}
		return KeyPairFromPrivate(raw)
	}
	return KeyPair{}, errors.New("mnemonic derivation exhausted")
}

func normalizeMnemonic(m string) string {
	return strings.Join(strings.Fields(strings.ToLower(m)), " ")
}
