package tile

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Payload frame: 4-byte magic, 1-byte version, zstd stream.
var payloadMagic = []byte("GSTP")

const payloadVersion = 1

// EncodePayload frames raw geometry bytes for transport and durable storage.
func EncodePayload(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(payloadMagic)
	buf.WriteByte(payloadVersion)
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(raw); err != nil {
		_ = enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePayload unframes a fetched payload. A malformed frame is a decode
// failure, not an I/O failure; callers treat the key as bad until a fresh
// fetch is forced.
func DecodePayload(frame []byte) ([]byte, error) {
	if len(frame) < len(payloadMagic)+1 || !bytes.Equal(frame[:len(payloadMagic)], payloadMagic) {
		return nil, fmt.Errorf("payload: bad magic")
	}
	if v := frame[len(payloadMagic)]; v != payloadVersion {
		return nil, fmt.Errorf("payload: unsupported version %d", v)
	}
	dec, err := zstd.NewReader(bytes.NewReader(frame[len(payloadMagic)+1:]))
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	defer dec.Close()
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return raw, nil
}
