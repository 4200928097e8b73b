package crypto

import (
	"crypto/rand"

	"github.com/cloudflare/circl/hpke"
)

const hpkeInfo = "chum/encrypt/v1"

var suite = hpke.NewSuite(hpke.KEM_P256_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305)

// Encrypt seals plaintext to recipientPub. The output is the 65 byte
// encapsulated key followed by the AEAD ciphertext. Any failure yields nil.
func Encrypt(recipientPub, plaintext []byte) []byte {
	pk, err := hpke.KEM_P256_HKDF_SHA256.Scheme().UnmarshalBinaryPublicKey(recipientPub)
	if err != nil {
		return nil
	}
	sender, err := suite.NewSender(pk, []byte(hpkeInfo))
	if err != nil {
		return nil
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil
	}
	ct, err := sealer.Seal(plaintext, nil)
	if err != nil {
		return nil
	}
	out := make([]byte, 0, len(enc)+len(ct))
	out = append(out, enc...)
	return append(out, ct...)
}

// Decrypt reverses Encrypt. Any failure yields nil, never a partial plaintext.
func Decrypt(priv, ciphertext []byte) []byte {
	if len(priv) == 0 || len(ciphertext) <= PublicKeySize {
		return nil
	}
	sk, err := hpke.KEM_P256_HKDF_SHA256.Scheme().UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil
	}
	receiver, err := suite.NewReceiver(sk, []byte(hpkeInfo))
	if err != nil {
		return nil
	}
	opener, err := receiver.Setup(ciphertext[:PublicKeySize])
	if err != nil {
		return nil
	}
	pt, err := opener.Open(ciphertext[PublicKeySize:], nil)
	if err != nil {
		return nil
	}
	if pt == nil {
		return []byte{}
	}
	return pt
}
