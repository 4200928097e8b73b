package node

import (
	"path/filepath"

	"github.com/99designs/keyring"
	"github.com/pkg/errors"

	"chumnet/internal/config"
	"chumnet/internal/crypto"
)

const (
	keyringService = "chum"
	mnemonicItem   = "identity-mnemonic"
)

var ErrNoIdentity = errors.New("no identity in keyring")

// Vault keeps the identity mnemonic in the OS keyring, or in an encrypted
// file under the node home when no keyring service is available.
type Vault struct {
	ring keyring.Keyring
}

// OpenVault opens the configured keyring backend. The file backend reads
// its password from the variable named by cfg.PasswordEnv.
func OpenVault(home string, cfg config.KeyringConfig, lookup func(string) (string, bool)) (*Vault, error) {
	kc := keyring.Config{
		ServiceName: keyringService,
		FileDir:     filepath.Join(home, "keys"),
		FilePasswordFunc: func(prompt string) (string, error) {
			if v, ok := lookup(cfg.PasswordEnv); ok && v != "" {
				return v, nil
			}
			return "", errors.Errorf("%s: set %s", prompt, cfg.PasswordEnv)
		},
	}
	if cfg.Backend != "" {
		kc.AllowedBackends = []keyring.BackendType{keyring.BackendType(cfg.Backend)}
	}
	ring, err := keyring.Open(kc)
	if err != nil {
		return nil, errors.Wrap(err, "open keyring")
	}
	return &Vault{ring: ring}, nil
}

// NewVault wraps an already opened keyring.
func NewVault(ring keyring.Keyring) *Vault { return &Vault{ring: ring} }

// Load derives the identity key from the stored mnemonic.
func (v *Vault) Load() (crypto.KeyPair, error) {
	item, err := v.ring.Get(mnemonicItem)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return crypto.KeyPair{}, ErrNoIdentity
	}
	if err != nil {
		return crypto.KeyPair{}, errors.Wrap(err, "read identity")
	}
	return crypto.KeyPairFromMnemonic(string(item.Data))
}

// LoadOrCreate returns the stored identity, generating one on first run.
// The mnemonic is returned only when it was just created so the caller
// can show it once for backup.
func (v *Vault) LoadOrCreate() (crypto.KeyPair, string, error) {
	key, err := v.Load()
	if err == nil {
		return key, "", nil
	}
	if !errors.Is(err, ErrNoIdentity) {
		return crypto.KeyPair{}, "", err
	}
	mnemonic, err := crypto.NewMnemonic()
	if err != nil {
		return crypto.KeyPair{}, "", err
	}
	key, err = v.Restore(mnemonic)
	if err != nil {
		return crypto.KeyPair{}, "", err
	}
	return key, mnemonic, nil
}

// Restore replaces the stored identity with the one derived from mnemonic.
func (v *Vault) Restore(mnemonic string) (crypto.KeyPair, error) {
	key, err := crypto.KeyPairFromMnemonic(mnemonic)
	if err != nil {
		return crypto.KeyPair{}, err
	}
	if err := v.ring.Set(keyring.Item{
		Key:         mnemonicItem,
		Data:        []byte(mnemonic),
		Label:       "chum identity",
		Description: "BIP-39 recovery phrase for the chum identity key",
	}); err != nil {
		return crypto.KeyPair{}, errors.Wrap(err, "store identity")
	}
	return key, nil
}

// Mnemonic returns the stored recovery phrase.
func (v *Vault) Mnemonic() (string, error) {
	item, err := v.ring.Get(mnemonicItem)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNoIdentity
	}
	if err != nil {
		return "", errors.Wrap(err, "read identity")
	}
	return string(item.Data), nil
}
