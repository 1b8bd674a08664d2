package driftline

import (
	"bytes"
	"strings"
	"testing"
)

func TestPayloadCodecSmallPayloadsStayPlain(t *testing.T) {
	c := NewPayloadCodec(nil)
	payload := []byte(`{"subject_key":"badge-1"}`)

	data, codec, err := c.Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if codec != CodecPlain {
		t.Errorf("codec = %s, want plain for a small payload", codec)
	}
	if !bytes.Equal(data, payload) {
		t.Error("plain encoding altered the payload")
	}

	out, err := c.Decode(data, codec)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("round trip altered the payload")
	}
}

func TestPayloadCodecCompressesLargePayloads(t *testing.T) {
	c := NewPayloadCodec(nil)
	payload := []byte(`{"subject_key":"` + strings.Repeat("badge-1042-", 50) + `"}`)

	data, codec, err := c.Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if codec != CodecSnappy {
		t.Fatalf("codec = %s, want snappy", codec)
	}
	if len(data) >= len(payload) {
		t.Errorf("compressed size %d >= original %d", len(data), len(payload))
	}

	out, err := c.Decode(data, codec)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("round trip altered the payload")
	}
}

func TestPayloadCodecEncryptedRoundTrip(t *testing.T) {
	enc, err := NewEncryptor("test-passphrase")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	c := NewPayloadCodec(enc)
	payload := []byte(`{"subject_key":"badge-1042","event_type":"check_in"}`)

	data, codec, err := c.Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if codec != CodecSnappyAESGCM {
		t.Fatalf("codec = %s, want snappy+aesgcm", codec)
	}
	if bytes.Contains(data, []byte("badge-1042")) {
		t.Error("encrypted payload leaks plaintext")
	}

	out, err := c.Decode(data, codec)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("round trip altered the payload")
	}
}

func TestPayloadCodecRejectsUnknownCodec(t *testing.T) {
	c := NewPayloadCodec(nil)
	if _, err := c.Decode([]byte("x"), "zstd"); err == nil {
		t.Error("Decode accepted unknown codec")
	}
}

func TestPayloadCodecEncryptedNeedsEncryptor(t *testing.T) {
	c := NewPayloadCodec(nil)
	if _, err := c.Decode([]byte("x"), CodecSnappyAESGCM); err == nil {
		t.Error("Decode of encrypted payload without encryptor should fail")
	}
}
