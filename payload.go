package driftline

import (
	"fmt"

	"github.com/golang/snappy"
)

// Payload codec names stored alongside each queue entry so a store written
// under one configuration can be drained under another.
const (
	CodecPlain          = "plain"
	CodecSnappy         = "snappy"
	CodecSnappyAESGCM   = "snappy+aesgcm"
	compressionMinBytes = 128
)

// PayloadCodec encodes queued payload snapshots for storage. Payloads are
// snappy-compressed when that saves space and optionally encrypted at
// rest.
type PayloadCodec struct {
	encryptor *Encryptor
}

// NewPayloadCodec creates a codec. encryptor may be nil for unencrypted
// storage.
func NewPayloadCodec(encryptor *Encryptor) *PayloadCodec {
	return &PayloadCodec{encryptor: encryptor}
}

// Encode returns the stored form of payload and the codec name to record
// with it.
func (c *PayloadCodec) Encode(payload []byte) ([]byte, string, error) {
	data := payload
	codec := CodecPlain
	if len(payload) >= compressionMinBytes {
		compressed := snappy.Encode(nil, payload)
		if len(compressed) < len(payload) {
			data = compressed
			codec = CodecSnappy
		}
	}
	if c.encryptor != nil {
		// Encrypt the compressed form; compressing ciphertext is useless.
		if codec == CodecPlain {
			data = snappy.Encode(nil, payload)
		}
		sealed, err := c.encryptor.Encrypt(data)
		if err != nil {
			return nil, "", fmt.Errorf("encode payload: %w", err)
		}
		return sealed, CodecSnappyAESGCM, nil
	}
	return data, codec, nil
}

// Decode reverses Encode given the recorded codec name.
func (c *PayloadCodec) Decode(data []byte, codec string) ([]byte, error) {
	switch codec {
	case CodecPlain:
		return data, nil
	case CodecSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		return out, nil
	case CodecSnappyAESGCM:
		if c.encryptor == nil {
			return nil, fmt.Errorf("payload codec %q requires encryption to be configured", codec)
		}
		plain, err := c.encryptor.Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("decrypt payload: %w", err)
		}
		out, err := snappy.Decode(nil, plain)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown payload codec %q", codec)
	}
}
