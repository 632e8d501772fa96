package codec

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		opts     Options
		value    any
	}{
		{"plain", Options{CompressionThreshold: 1024, CompressionLevel: 6}, map[string]any{"hello": "world"}},
		{"compressed", Options{CompressionThreshold: 8, CompressionLevel: 6}, map[string]any{"text": "this payload is definitely longer than eight bytes"}},
		{"encrypted", Options{CompressionThreshold: 1024, CompressionLevel: 6, EnableEncryption: true, EncryptionKey: "s3cret"}, map[string]any{"a": 1}},
		{"compressed+encrypted", Options{CompressionThreshold: 4, CompressionLevel: 9, EnableEncryption: true, EncryptionKey: "s3cret"}, map[string]any{"text": "this payload is definitely longer than four bytes"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(tc.opts)
			encoded, err := c.Encode(EncodeInput{Type: TypeEvent, Namespace: "/chat", Event: "say", Value: tc.value})
			if err != nil {
				t.Fatalf("encode: %v", err)
			}

			out, err := c.Decode(encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}

			if out.Frame.Namespace != "/chat" || out.Frame.Event != "say" {
				t.Fatalf("header mismatch: %+v", out.Frame)
			}

			wantJSON, _ := json.Marshal(tc.value)
			gotJSON, _ := json.Marshal(out.Value)
			if !bytes.Equal(wantJSON, gotJSON) {
				t.Fatalf("value mismatch: want %s got %s", wantJSON, gotJSON)
			}
		})
	}
}

// TestS7CompressionAndEncryptionFlags exercises scenario S7 from spec §8:
// a 4KB payload with both compression and encryption enabled should decode
// back to the original structure, and both flag bits must be set.
func TestS7CompressionAndEncryptionFlags(t *testing.T) {
	raw := make([]byte, 2048)
	if _, err := rand.Read(raw); err != nil {
		t.Fatal(err)
	}
	// Hex keeps the 4096-character string valid UTF-8, so JSON encoding
	// carries it through unchanged.
	value := map[string]any{"blob": hex.EncodeToString(raw)}

	c := New(Options{CompressionThreshold: 1024, CompressionLevel: 6, EnableEncryption: true, EncryptionKey: "topsecret"})
	encoded, err := c.Encode(EncodeInput{Type: TypeEvent, Namespace: "/x", Event: "blob", Value: value})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	_, flags, _, err := peekHeader(encoded)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if !flags.Has(FlagCompressed) {
		t.Fatalf("expected compressed flag set")
	}
	if !flags.Has(FlagEncrypted) {
		t.Fatalf("expected encrypted flag set")
	}

	out, err := c.Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	gotMap, ok := out.Value.(map[string]any)
	if !ok {
		t.Fatalf("unexpected decoded type %T", out.Value)
	}
	if gotMap["blob"] != value["blob"] {
		t.Fatalf("payload mismatch after round trip")
	}
}

func peekHeader(data []byte) (Type, Flags, string, error) {
	f, _, err := unmarshalHeader(data)
	if err != nil {
		return 0, 0, "", err
	}
	return f.Type, f.Flags, f.Namespace, nil
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	c := New(DefaultOptions())
	encoded, err := c.Encode(EncodeInput{Type: TypeEvent, Namespace: "/x", Event: "y", Value: map[string]any{}})
	if err != nil {
		t.Fatal(err)
	}
	encoded[0] = 9
	if _, err := c.Decode(encoded); err == nil {
		t.Fatalf("expected frame_invalid error")
	} else if codecErr, ok := err.(*Error); !ok || codecErr.Code != CodeFrameInvalid {
		t.Fatalf("expected frame_invalid, got %v", err)
	}
}

func TestDecodeRejectsWrongKey(t *testing.T) {
	c1 := New(Options{CompressionThreshold: 1024, CompressionLevel: 6, EnableEncryption: true, EncryptionKey: "key-a"})
	c2 := New(Options{CompressionThreshold: 1024, CompressionLevel: 6, EnableEncryption: true, EncryptionKey: "key-b"})

	encoded, err := c1.Encode(EncodeInput{Type: TypeEvent, Namespace: "/x", Event: "y", Value: map[string]any{"v": 1}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c2.Decode(encoded); err == nil {
		t.Fatalf("expected decrypt failure with mismatched key")
	}
}

func TestAckFlagRoundTrip(t *testing.T) {
	c := New(DefaultOptions())
	encoded, err := c.Encode(EncodeInput{Type: TypeEvent, Namespace: "/x", Event: "save", AckID: 42, HasAckID: true, Value: map[string]any{"k": 1}})
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Frame.HasAckID || out.Frame.AckID != 42 {
		t.Fatalf("ack id not round-tripped: %+v", out.Frame)
	}
}

func TestRawPayloadRoundTrip(t *testing.T) {
	c := New(DefaultOptions())
	raw := []byte{0x01, 0x02, 0x03, 0xff}
	encoded, err := c.Encode(EncodeInput{Type: TypeEvent, Namespace: "/x", Event: "bin", Raw: raw})
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Raw, raw) {
		t.Fatalf("raw payload mismatch: got %v want %v", out.Raw, raw)
	}
}
