// Binary framing for the fixed Ping/Pong wire fixture. The two
// messages are encoded directly against the protobuf wire format via
// google.golang.org/protobuf/encoding/protowire rather than through
// protoc-generated struct types; see DESIGN.md for why.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Ping is the only accepted binary request shape.
type Ping struct {
	Payload string
	Seq     uint32
	Keep    bool
}

// Pong is the binary response shape.
type Pong struct {
	Payload string
	Seq     uint32
	Ok      bool
}

// CanonicalPing is the fixture request the wire protocol recognizes:
// Ping{payload="foo", seq=7, keep=true}.
var CanonicalPing = Ping{Payload: "foo", Seq: 7, Keep: true}

// ErrBinaryDecode wraps any failure decoding a binary frame.
var ErrBinaryDecode = errors.New("wire: binary decode failed")

func boolToVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// EncodePing serializes p in ascending field-number order (field 1
// string, field 2 varint, field 3 varint-bool), matching exactly what
// protoc-gen-go emits for this message shape.
func EncodePing(p Ping) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, p.Payload)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Seq))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(p.Keep))
	return b
}

// EncodePong serializes p the same way as EncodePing.
func EncodePong(p Pong) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, p.Payload)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Seq))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(p.Ok))
	return b
}

// CanonicalPingBytes is the exact canonical request byte sequence
// (0a03666f6f10071801), computed once from CanonicalPing so it can
// never drift from EncodePing's own logic.
var CanonicalPingBytes = EncodePing(CanonicalPing)

// fieldValue holds a decoded field's raw scalar, keyed by field number.
type fieldValue struct {
	str      string
	varint   uint64
	hasStr   bool
	hasVarint bool
}

// decodeFields walks an arbitrary-order sequence of protobuf wire
// fields and returns the last-seen value per field number (proto3
// "last one wins" semantics), tolerating unknown fields by skipping
// them.
func decodeFields(data []byte) (map[protowire.Number]fieldValue, error) {
	fields := make(map[protowire.Number]fieldValue)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: tag: %v", ErrBinaryDecode, protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bytes field %d: %v", ErrBinaryDecode, num, protowire.ParseError(n))
			}
			fields[num] = fieldValue{str: string(v), hasStr: true}
			data = data[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: varint field %d: %v", ErrBinaryDecode, num, protowire.ParseError(n))
			}
			fields[num] = fieldValue{varint: v, hasVarint: true}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrBinaryDecode, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return fields, nil
}

// DecodePing parses data as a Ping message. Missing fields decode to
// their zero value; the caller (the dispatcher) is responsible for
// rejecting anything that doesn't match CanonicalPing.
func DecodePing(data []byte) (Ping, error) {
	fields, err := decodeFields(data)
	if err != nil {
		return Ping{}, err
	}
	var p Ping
	if f, ok := fields[1]; ok && f.hasStr {
		p.Payload = f.str
	}
	if f, ok := fields[2]; ok && f.hasVarint {
		p.Seq = uint32(f.varint)
	}
	if f, ok := fields[3]; ok && f.hasVarint {
		p.Keep = f.varint != 0
	}
	return p, nil
}

// DecodePong parses data as a Pong message. The server itself only
// encodes Pong; this decoder is used by the tests.
func DecodePong(data []byte) (Pong, error) {
	fields, err := decodeFields(data)
	if err != nil {
		return Pong{}, err
	}
	var p Pong
	if f, ok := fields[1]; ok && f.hasStr {
		p.Payload = f.str
	}
	if f, ok := fields[2]; ok && f.hasVarint {
		p.Seq = uint32(f.varint)
	}
	if f, ok := fields[3]; ok && f.hasVarint {
		p.Ok = f.varint != 0
	}
	return p, nil
}

// IsCanonicalPing reports whether p matches the one accepted request
// fixture exactly.
func IsCanonicalPing(p Ping) bool {
	return p.Payload == CanonicalPing.Payload && p.Seq == CanonicalPing.Seq && p.Keep == CanonicalPing.Keep
}
