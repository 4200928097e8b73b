package proto

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Control reports whether messages of type t may travel unsigned. Control
// messages never reach application handlers.
func (t MessageType) Control() bool {
	return t == MsgDiscovery || t == MsgKeyExchange || t == MsgHeartbeat
}

// Hello is the payload of Discovery and KeyExchange messages: who the
// sender is, the key it signs with and where it can be reached.
type Hello struct {
	PersonID  string   `json:"personId"`
	PublicKey []byte   `json:"publicKey"`
	Endpoints []string `json:"endpoints,omitempty"`
}

func EncodeHello(h Hello) ([]byte, error) {
	if h.PersonID == "" || len(h.PublicKey) == 0 {
		return nil, errors.New("incomplete hello")
	}
	return json.Marshal(h)
}

func DecodeHello(data []byte) (Hello, error) {
	var h Hello
	if err := decodeStrict("hello", data, &h); err != nil {
		return Hello{}, err
	}
	if h.PersonID == "" {
		return Hello{}, decodeErr("hello", "personId", errors.New("missing"))
	}
	if len(h.PublicKey) == 0 {
		return Hello{}, decodeErr("hello", "publicKey", errors.New("missing"))
	}
	return h, nil
}
