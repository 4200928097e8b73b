package proto

import (
	"bytes"
	"testing"
	"time"
)

const (
	maxFuzzInput = 1 << 16
	fuzzDeadline = 100 * time.Millisecond
)

// fuzzInput trims oversized corpus entries and fails the run if decoding
// takes longer than fuzzDeadline.
func fuzzInput(t *testing.T, data []byte, fn func([]byte)) {
	t.Helper()
	if len(data) > maxFuzzInput {
		data = data[:maxFuzzInput]
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(data)
	}()
	select {
	case <-done:
	case <-time.After(fuzzDeadline):
		t.Fatalf("decode took longer than %s", fuzzDeadline)
	}
}

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, '{'})
	f.Add([]byte{0, 0, 0, 5, '{', '"', 't', '"', '}'})
	f.Fuzz(func(t *testing.T, data []byte) {
		fuzzInput(t, data, func(data []byte) {
			_, _ = ReadFrame(bytes.NewReader(data))
		})
	})
}

func FuzzDecodeMessage(f *testing.F) {
	f.Add([]byte(`{"sender":"did:chum:a","recipient":"","sequence":1,"type":4,"payload":"AAE=","signature":null,"timestamp":1}`))
	f.Add([]byte(`{"sender":"x","type":255}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		fuzzInput(t, data, func(data []byte) {
			m, err := DecodeMessage(data)
			if err != nil {
				return
			}
			out, err := EncodeMessage(m)
			if err != nil {
				t.Fatalf("re-encode of decoded message failed: %v", err)
			}
			again, err := DecodeMessage(out)
			if err != nil {
				t.Fatalf("decode of re-encoded message failed: %v", err)
			}
			if !bytes.Equal(SigningBytes(m), SigningBytes(again)) {
				t.Fatalf("message changed across round trip")
			}
		})
	})
}

func FuzzDecodeProfile(f *testing.F) {
	f.Add([]byte(`{"personId":"did:chum:a","keys":["k"],"certificates":[{"id":"c","certificate":"e30="}]}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		fuzzInput(t, data, func(data []byte) {
			p, err := DecodeProfile(data)
			if err == nil {
				_ = ComputeProfileHash(p)
				_, _ = EncodeProfile(p)
			}
		})
	})
}

func FuzzDecodeCertificateList(f *testing.F) {
	f.Add([]byte(`{"certificates":[{"id":"c","certificate":"e30=","signature":"AA==","timestamp":1,"trusted":false,"certificateHash":"","signatureHash":""}]}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		fuzzInput(t, data, func(data []byte) {
			certs, err := DecodeCertificateList(data)
			if err != nil {
				return
			}
			for _, c := range certs {
				_ = c.HashesMatch()
				_, _ = c.Payload()
			}
		})
	})
}
