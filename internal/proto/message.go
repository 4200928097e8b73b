package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

type MessageType uint8

const (
	MsgDiscovery MessageType = iota
	MsgKeyExchange
	MsgCertificateSync
	MsgProfileSync
	MsgData
	MsgAck
	MsgHeartbeat
)

var messageTypeNames = [...]string{
	MsgDiscovery:       "discovery",
	MsgKeyExchange:     "key_exchange",
	MsgCertificateSync: "certificate_sync",
	MsgProfileSync:     "profile_sync",
	MsgData:            "data",
	MsgAck:             "ack",
	MsgHeartbeat:       "heartbeat",
}

func (t MessageType) Valid() bool { return int(t) < len(messageTypeNames) }

func (t MessageType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("type(%d)", uint8(t))
	}
	return messageTypeNames[t]
}

// Message is the unit exchanged between peers. An empty Recipient means
// broadcast. (Sender, Sequence) identifies a message for deduplication.
type Message struct {
	Sender    string      `json:"sender"`
	Recipient string      `json:"recipient"`
	Sequence  uint64      `json:"sequence"`
	Type      MessageType `json:"type"`
	Payload   []byte      `json:"payload"`
	Signature []byte      `json:"signature"`
	Timestamp uint64      `json:"timestamp"`
}

func (m Message) IsBroadcast() bool { return m.Recipient == "" }

func (m Message) Signed() bool { return len(m.Signature) > 0 }

// SigningBytes is the canonical byte form covered by a message signature.
// Every field except the signature is included, length prefixed.
func SigningBytes(m Message) []byte {
	buf := make([]byte, 0, 64+len(m.Sender)+len(m.Recipient)+len(m.Payload))
	buf = append(buf, "chum:msg:v1"...)
	buf = appendField(buf, []byte(m.Sender))
	buf = appendField(buf, []byte(m.Recipient))
	buf = binary.BigEndian.AppendUint64(buf, m.Sequence)
	buf = append(buf, byte(m.Type))
	buf = appendField(buf, m.Payload)
	buf = binary.BigEndian.AppendUint64(buf, m.Timestamp)
	return buf
}

func appendField(buf, field []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
	return append(buf, field...)
}

func EncodeMessage(m Message) ([]byte, error) {
	if m.Sender == "" {
		return nil, errors.New("missing sender")
	}
	if !m.Type.Valid() {
		return nil, errors.Errorf("unknown message type %d", m.Type)
	}
	return json.Marshal(m)
}

func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := decodeStrict("message", data, &m); err != nil {
		return Message{}, err
	}
	if m.Sender == "" {
		return Message{}, decodeErr("message", "sender", errors.New("missing"))
	}
	if !m.Type.Valid() {
		return Message{}, decodeErr("message", "type", errors.Errorf("unknown type %d", m.Type))
	}
	return m, nil
}

// EncodeAckPayload carries the acknowledged sequence number.
func EncodeAckPayload(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}

func DecodeAckPayload(p []byte) (uint64, error) {
	if len(p) != 8 {
		return 0, decodeErr("ack", "payload", errors.Errorf("need 8 bytes, got %d", len(p)))
	}
	return binary.BigEndian.Uint64(p), nil
}
