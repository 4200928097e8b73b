package proto

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// ErrDecode matches every *DecodeError via errors.Is.
var ErrDecode = errors.New("decode failed")

type DecodeError struct {
	Record string
	Field  string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode %s: field %s: %v", e.Record, e.Field, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Record, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func decodeErr(record, field string, err error) error {
	return &DecodeError{Record: record, Field: field, Err: err}
}

// decodeStrict unmarshals exactly one JSON value and rejects trailing data.
func decodeStrict(record string, data []byte, v any) error {
	if len(data) == 0 {
		return decodeErr(record, "", errors.New("empty input"))
	}
	if len(data) > MaxFrameSize {
		return decodeErr(record, "", errors.New("input too large"))
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return decodeErr(record, "", err)
	}
	if dec.More() {
		return decodeErr(record, "", errors.New("trailing data"))
	}
	return nil
}
