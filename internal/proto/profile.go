package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"chumnet/internal/crypto"
)

// Profile is what a person publishes about one of their devices: the keys
// it holds and the certificates backing them. ProfileHash addresses it.
type Profile struct {
	ID           string        `json:"id"`
	PersonID     string        `json:"personId"`
	Owner        string        `json:"owner"`
	ProfileID    string        `json:"profileId"`
	ProfileHash  string        `json:"profileHash"`
	Timestamp    uint64        `json:"timestamp"`
	Keys         []string      `json:"keys"`
	Certificates []Certificate `json:"certificates"`
}

// ComputeProfileHash covers identity fields, keys and certificate hashes.
func ComputeProfileHash(p Profile) string {
	buf := make([]byte, 0, 256)
	buf = append(buf, "chum:profile:v1"...)
	buf = appendField(buf, []byte(p.PersonID))
	buf = appendField(buf, []byte(p.Owner))
	buf = appendField(buf, []byte(p.ProfileID))
	buf = binary.BigEndian.AppendUint64(buf, p.Timestamp)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Keys)))
	for _, k := range p.Keys {
		buf = appendField(buf, []byte(k))
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Certificates)))
	for _, c := range p.Certificates {
		buf = appendField(buf, []byte(c.ID))
		buf = appendField(buf, []byte(c.CertificateHash))
		buf = appendField(buf, []byte(c.SignatureHash))
	}
	return crypto.HashHex(buf)
}

func EncodeProfile(p Profile) ([]byte, error) {
	if p.PersonID == "" {
		return nil, errors.New("missing person id")
	}
	return json.Marshal(p)
}

func DecodeProfile(data []byte) (Profile, error) {
	var p Profile
	if err := decodeStrict("profile", data, &p); err != nil {
		return Profile{}, err
	}
	if p.PersonID == "" {
		return Profile{}, decodeErr("profile", "personId", errors.New("missing"))
	}
	for i, c := range p.Certificates {
		if err := checkCertificate(c); err != nil {
			return Profile{}, decodeErr("profile", fmt.Sprintf("certificates[%d]", i), err)
		}
	}
	return p, nil
}
