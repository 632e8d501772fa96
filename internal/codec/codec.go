package codec

import (
	"encoding/binary"
	"encoding/json"
)

// Options configures a Codec's compression and encryption behaviour. It is
// the wire-format analogue of the teacher's per-server tunables in
// ws/config.go, scoped down to what the framing layer needs.
type Options struct {
	// CompressionThreshold is the minimum serialised payload length, in
	// bytes, before DEFLATE is applied. Default 1024 (spec §4.1).
	CompressionThreshold int
	// CompressionLevel is the DEFLATE level, 1..9. Default 6.
	CompressionLevel int
	// EnableEncryption turns on AES-256-CBC for the payload.
	EnableEncryption bool
	// EncryptionKey is the pre-shared secret used to derive the AES key.
	EncryptionKey string
}

// DefaultOptions mirrors spec §4.1's defaults.
func DefaultOptions() Options {
	return Options{
		CompressionThreshold: 1024,
		CompressionLevel:     6,
	}
}

// Codec encodes and decodes Frames under a fixed set of Options. It holds no
// mutable state and is safe for concurrent use, same as the teacher's
// wsutil-based read/write helpers which take no receiver state either.
type Codec struct {
	opts Options
}

func New(opts Options) *Codec {
	if opts.CompressionThreshold <= 0 {
		opts.CompressionThreshold = 1024
	}
	if opts.CompressionLevel <= 0 {
		opts.CompressionLevel = 6
	}
	return &Codec{opts: opts}
}

// EncodeInput is the set of fields a caller supplies to build a Frame.
// Value is marshalled to JSON unless Raw is set, in which case Raw is used
// verbatim and FlagBinaryPayload is set.
type EncodeInput struct {
	Type      Type
	Namespace string
	Event     string
	AckID     uint32
	HasAckID  bool
	Value     any
	Raw       []byte
}

// Encode serialises input into wire bytes per spec §4.1: JSON-marshal (or
// take raw bytes), compress above the threshold, then encrypt.
func (c *Codec) Encode(in EncodeInput) ([]byte, error) {
	var payload []byte
	flags := Flags(0)

	if in.Raw != nil {
		payload = in.Raw
		flags |= FlagBinaryPayload
	} else {
		encoded, err := json.Marshal(in.Value)
		if err != nil {
			return nil, err
		}
		payload = encoded
	}

	if len(payload) > c.opts.CompressionThreshold {
		compressed, err := deflate(payload, c.opts.CompressionLevel)
		if err != nil {
			return nil, err
		}
		payload = compressed
		flags |= FlagCompressed
	}

	if c.opts.EnableEncryption {
		enciphered, err := encryptCBC(payload, c.opts.EncryptionKey)
		if err != nil {
			return nil, err
		}
		payload = enciphered
		flags |= FlagEncrypted
	}

	if in.HasAckID {
		flags |= FlagAckRequested
	}

	return marshalHeader(Version, in.Type, flags, in.Namespace, in.Event, in.AckID, in.HasAckID || in.Type == TypeAck, payload), nil
}

// marshalHeader lays out the wire format documented in spec §4.1:
//
//	[ver:1][type:1][flags:1][ns_len:2 BE][ns][evt_len:2 BE][evt]
//	[ack_id:4 BE]? [payload_len:4 BE][payload]
func marshalHeader(version uint8, typ Type, flags Flags, namespace, event string, ackID uint32, withAck bool, payload []byte) []byte {
	size := 1 + 1 + 1 + 2 + len(namespace) + 2 + len(event) + 4 + len(payload)
	if withAck {
		size += 4
	}

	buf := make([]byte, size)
	i := 0
	buf[i] = version
	i++
	buf[i] = byte(typ)
	i++
	buf[i] = byte(flags)
	i++

	binary.BigEndian.PutUint16(buf[i:], uint16(len(namespace)))
	i += 2
	i += copy(buf[i:], namespace)

	binary.BigEndian.PutUint16(buf[i:], uint16(len(event)))
	i += 2
	i += copy(buf[i:], event)

	if withAck {
		binary.BigEndian.PutUint32(buf[i:], ackID)
		i += 4
	}

	binary.BigEndian.PutUint32(buf[i:], uint32(len(payload)))
	i += 4
	copy(buf[i:], payload)

	return buf
}

// DecodeOutput is the parsed result of Decode: the Frame header plus the
// fully-reversed (decrypted, decompressed, JSON-parsed or raw) value.
type DecodeOutput struct {
	Frame Frame
	// Value holds the JSON-decoded payload as a generic structure, unless
	// the binary-payload flag is set, in which case Value is nil and Raw
	// carries the bytes.
	Value any
	Raw   []byte
}

// Decode reverses Encode per spec §4.1's decoding contract.
func (c *Codec) Decode(data []byte) (*DecodeOutput, error) {
	frame, rest, err := unmarshalHeader(data)
	if err != nil {
		return nil, err
	}

	payload := frame.Payload

	if frame.Flags.Has(FlagEncrypted) {
		if !c.opts.EnableEncryption {
			return nil, newErr(CodeDecryptFailed, "encrypted frame received but encryption is disabled")
		}
		decrypted, err := decryptCBC(payload, c.opts.EncryptionKey)
		if err != nil {
			return nil, err
		}
		payload = decrypted
	}

	if frame.Flags.Has(FlagCompressed) {
		decompressed, err := inflate(payload)
		if err != nil {
			return nil, err
		}
		payload = decompressed
	}

	if len(payload) > MaxPayloadBytes {
		return nil, newErr(CodePayloadTooLarge, "payload exceeds maximum size")
	}

	frame.Payload = payload
	_ = rest

	out := &DecodeOutput{Frame: frame}

	if frame.Flags.Has(FlagBinaryPayload) {
		out.Raw = payload
		return out, nil
	}

	if len(payload) == 0 {
		return out, nil
	}

	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, newErr(CodePayloadParseFailed, err.Error())
	}
	out.Value = v
	return out, nil
}

func unmarshalHeader(data []byte) (Frame, []byte, error) {
	if len(data) < 3+2 {
		return Frame{}, nil, newErr(CodeFrameInvalid, "short header")
	}

	version := data[0]
	if version != Version {
		return Frame{}, nil, newErr(CodeFrameInvalid, "unsupported version")
	}
	typ := Type(data[1])
	flags := Flags(data[2])
	i := 3

	nsLen := int(binary.BigEndian.Uint16(data[i:]))
	i += 2
	if len(data) < i+nsLen {
		return Frame{}, nil, newErr(CodeFrameInvalid, "truncated namespace")
	}
	namespace := string(data[i : i+nsLen])
	i += nsLen

	if len(data) < i+2 {
		return Frame{}, nil, newErr(CodeFrameInvalid, "truncated event length")
	}
	evtLen := int(binary.BigEndian.Uint16(data[i:]))
	i += 2
	if len(data) < i+evtLen {
		return Frame{}, nil, newErr(CodeFrameInvalid, "truncated event")
	}
	event := string(data[i : i+evtLen])
	i += evtLen

	var ackID uint32
	hasAck := flags.Has(FlagAckRequested) || typ == TypeAck
	if hasAck {
		if len(data) < i+4 {
			return Frame{}, nil, newErr(CodeFrameInvalid, "truncated ack id")
		}
		ackID = binary.BigEndian.Uint32(data[i:])
		i += 4
	}

	if len(data) < i+4 {
		return Frame{}, nil, newErr(CodeFrameInvalid, "truncated payload length")
	}
	payloadLen := int(binary.BigEndian.Uint32(data[i:]))
	i += 4
	if payloadLen < 0 || len(data) < i+payloadLen {
		return Frame{}, nil, newErr(CodeFrameInvalid, "truncated payload")
	}
	payload := data[i : i+payloadLen]
	i += payloadLen

	return Frame{
		Version:   version,
		Type:      typ,
		Flags:     flags,
		Namespace: namespace,
		Event:     event,
		AckID:     ackID,
		HasAckID:  hasAck,
		Payload:   payload,
	}, data[i:], nil
}
