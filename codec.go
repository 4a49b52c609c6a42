package urpc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortPayload is returned by Parse when the cursor would run past the
// payload length.
var ErrShortPayload = errors.New("urpc: codec: payload too short")

// FieldKind tags one element of a packed payload. This replaces the
// original "I L x P" format-string codec (spec.md §4.4) with the typed
// builder spec.md §9's Design Notes call for: the same on-wire bytes, but
// alignment mistakes are caught when the payload is built instead of
// silently corrupting the wire.
type FieldKind int

const (
	// FieldU32 packs a 32-bit unsigned integer, little-endian (spec.md's 'I').
	FieldU32 FieldKind = iota
	// FieldU64 packs a 64-bit unsigned integer, little-endian (spec.md's 'L').
	FieldU64
	// FieldPad advances 4 bytes without writing anything (spec.md's 'x').
	FieldPad
	// FieldBytes packs an 8-byte little-endian length followed by the raw
	// bytes verbatim (spec.md's 'P').
	FieldBytes
)

// Field is one element to pack, or the shape of one element to unpack.
type Field struct {
	Kind  FieldKind
	U32   uint32
	U64   uint64
	Bytes []byte
}

// U32Field builds a 32-bit integer field.
func U32Field(v uint32) Field { return Field{Kind: FieldU32, U32: v} }

// U64Field builds a 64-bit integer field.
func U64Field(v uint64) Field { return Field{Kind: FieldU64, U64: v} }

// PadField builds a 4-byte padding field, used to keep a following L/P
// field 8-aligned.
func PadField() Field { return Field{Kind: FieldPad} }

// BytesField builds a length-prefixed byte-string field.
func BytesField(b []byte) Field { return Field{Kind: FieldBytes, Bytes: b} }

func rawSize(fields []Field) (int, error) {
	size := 0
	for i, f := range fields {
		switch f.Kind {
		case FieldU32, FieldPad:
			size += 4
		case FieldU64:
			if size%8 != 0 {
				return 0, fmt.Errorf("urpc: codec: field %d (u64) is not 8-aligned at offset %d; insert PadField()", i, size)
			}
			size += 8
		case FieldBytes:
			if size%8 != 0 {
				return 0, fmt.Errorf("urpc: codec: field %d (bytes) is not 8-aligned at offset %d; insert PadField()", i, size)
			}
			size += 8 + len(f.Bytes)
		default:
			return 0, fmt.Errorf("urpc: codec: unknown field kind %d", f.Kind)
		}
	}
	return size, nil
}

// Build packs fields into a byte slice, left to right, rounding the total
// size up to 8 as spec.md §4.4 requires.
func Build(fields ...Field) ([]byte, error) {
	size, err := rawSize(fields)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, alignUp8(uint32(size)))

	cursor := 0
	for _, f := range fields {
		switch f.Kind {
		case FieldU32:
			binary.LittleEndian.PutUint32(buf[cursor:], f.U32)
			cursor += 4
		case FieldPad:
			cursor += 4
		case FieldU64:
			binary.LittleEndian.PutUint64(buf[cursor:], f.U64)
			cursor += 8
		case FieldBytes:
			binary.LittleEndian.PutUint64(buf[cursor:], uint64(len(f.Bytes)))
			cursor += 8
			copy(buf[cursor:], f.Bytes)
			cursor += len(f.Bytes)
		}
	}
	return buf, nil
}

// Parse mirrors Build: given the shape of the expected fields (values in
// U32/U64/Bytes are ignored, only Kind is read) it walks payload and
// returns the decoded fields in order. FieldBytes results alias payload
// directly (zero-copy) and are only valid for as long as the owning
// mailbox slot has not been marked done.
func Parse(payload []byte, shape ...Field) ([]Field, error) {
	out := make([]Field, 0, len(shape))
	cursor := 0
	for _, f := range shape {
		switch f.Kind {
		case FieldU32:
			if cursor+4 > len(payload) {
				return nil, ErrShortPayload
			}
			out = append(out, Field{Kind: FieldU32, U32: binary.LittleEndian.Uint32(payload[cursor:])})
			cursor += 4
		case FieldPad:
			if cursor+4 > len(payload) {
				return nil, ErrShortPayload
			}
			out = append(out, Field{Kind: FieldPad})
			cursor += 4
		case FieldU64:
			if cursor+8 > len(payload) {
				return nil, ErrShortPayload
			}
			out = append(out, Field{Kind: FieldU64, U64: binary.LittleEndian.Uint64(payload[cursor:])})
			cursor += 8
		case FieldBytes:
			if cursor+8 > len(payload) {
				return nil, ErrShortPayload
			}
			n := binary.LittleEndian.Uint64(payload[cursor:])
			cursor += 8
			if uint64(cursor)+n > uint64(len(payload)) {
				return nil, ErrShortPayload
			}
			out = append(out, Field{Kind: FieldBytes, Bytes: payload[cursor : uint64(cursor)+n]})
			cursor += int(n)
		default:
			return nil, fmt.Errorf("urpc: codec: unknown field kind %d", f.Kind)
		}
	}
	return out, nil
}
