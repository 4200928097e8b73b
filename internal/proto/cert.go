package proto

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"chumnet/internal/crypto"
)

type CertificateType uint8

const (
	CertAffirmation CertificateType = iota
	CertTrustKeys
	CertRightDeclareForEverybody
	CertRightDeclareForSelf
)

func (t CertificateType) Valid() bool { return t <= CertRightDeclareForSelf }

func (t CertificateType) String() string {
	switch t {
	case CertAffirmation:
		return "affirmation"
	case CertTrustKeys:
		return "trust_keys"
	case CertRightDeclareForEverybody:
		return "right_declare_for_everybody"
	case CertRightDeclareForSelf:
		return "right_declare_for_self"
	}
	return fmt.Sprintf("cert(%d)", uint8(t))
}

// CertificatePayload is the signed, type-tagged body of a certificate.
// Issuer is the key id of the signing key. For TrustKeys the subject is the
// certified key id, for rights it is a person id, for affirmations a claim.
type CertificatePayload struct {
	Type     CertificateType `json:"type"`
	Issuer   string          `json:"issuer"`
	Subject  string          `json:"subject"`
	Data     []byte          `json:"data,omitempty"`
	IssuedAt uint64          `json:"issuedAt"`
}

func EncodeCertificatePayload(p CertificatePayload) ([]byte, error) {
	if !p.Type.Valid() {
		return nil, errors.Errorf("unknown certificate type %d", p.Type)
	}
	if p.Issuer == "" || p.Subject == "" {
		return nil, errors.New("missing issuer or subject")
	}
	return json.Marshal(p)
}

func DecodeCertificatePayload(data []byte) (CertificatePayload, error) {
	var p CertificatePayload
	if err := decodeStrict("certificate payload", data, &p); err != nil {
		return CertificatePayload{}, err
	}
	if !p.Type.Valid() {
		return CertificatePayload{}, decodeErr("certificate payload", "type", errors.Errorf("unknown type %d", p.Type))
	}
	if p.Issuer == "" {
		return CertificatePayload{}, decodeErr("certificate payload", "issuer", errors.New("missing"))
	}
	if p.Subject == "" {
		return CertificatePayload{}, decodeErr("certificate payload", "subject", errors.New("missing"))
	}
	return p, nil
}

// Certificate is the stored and transmitted form. Trusted is a cached
// verdict only; the two hashes let a loader detect corrupted records.
type Certificate struct {
	ID              string `json:"id"`
	Certificate     []byte `json:"certificate"`
	Signature       []byte `json:"signature"`
	Timestamp       uint64 `json:"timestamp"`
	Trusted         bool   `json:"trusted"`
	CertificateHash string `json:"certificateHash"`
	SignatureHash   string `json:"signatureHash"`
}

// Seal fills both integrity hashes from the current body and signature.
func (c *Certificate) Seal() {
	c.CertificateHash = crypto.HashHex(c.Certificate)
	c.SignatureHash = crypto.HashHex(c.Signature)
}

// HashesMatch recomputes both integrity hashes.
func (c Certificate) HashesMatch() bool {
	return c.CertificateHash == crypto.HashHex(c.Certificate) &&
		c.SignatureHash == crypto.HashHex(c.Signature)
}

func (c Certificate) Payload() (CertificatePayload, error) {
	return DecodeCertificatePayload(c.Certificate)
}

func EncodeCertificate(c Certificate) ([]byte, error) {
	if c.ID == "" {
		return nil, errors.New("missing certificate id")
	}
	return json.Marshal(c)
}

func DecodeCertificate(data []byte) (Certificate, error) {
	var c Certificate
	if err := decodeStrict("certificate", data, &c); err != nil {
		return Certificate{}, err
	}
	if err := checkCertificate(c); err != nil {
		return Certificate{}, err
	}
	return c, nil
}

func checkCertificate(c Certificate) error {
	if c.ID == "" {
		return decodeErr("certificate", "id", errors.New("missing"))
	}
	if len(c.Certificate) == 0 {
		return decodeErr("certificate", "certificate", errors.New("missing"))
	}
	return nil
}

type certificateList struct {
	Certificates []Certificate `json:"certificates"`
}

func EncodeCertificateList(certs []Certificate) ([]byte, error) {
	for _, c := range certs {
		if c.ID == "" {
			return nil, errors.New("missing certificate id")
		}
	}
	return json.Marshal(certificateList{Certificates: certs})
}

func DecodeCertificateList(data []byte) ([]Certificate, error) {
	var l certificateList
	if err := decodeStrict("certificate list", data, &l); err != nil {
		return nil, err
	}
	for i, c := range l.Certificates {
		if err := checkCertificate(c); err != nil {
			return nil, decodeErr("certificate list", fmt.Sprintf("certificates[%d]", i), err)
		}
	}
	return l.Certificates, nil
}
