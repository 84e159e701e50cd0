// Package wire holds the small protobuf wire-format helpers shared by the transport messages and the bbolt
// records. Messages are encoded field by field with protowire so they stay compatible with a .proto
// declaration without requiring generated code.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// AppendUint appends a varint field. Zero values are omitted, as proto3 does.
func AppendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendInt appends a signed varint field using int64 (not zigzag) semantics.
func AppendInt(b []byte, num protowire.Number, v int64) []byte {
	return AppendUint(b, num, uint64(v))
}

// AppendBool appends a bool field. False is omitted.
func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return AppendUint(b, num, 1)
}

// AppendString appends a length-delimited string field. Empty strings are omitted.
func AppendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendBytes appends a length-delimited bytes field. Empty slices are omitted.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendMessage appends an embedded message field, even if it is empty.
func AppendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// Field is a single decoded field. Only varint and length-delimited fields are surfaced, which covers every
// record used in this module.
type Field struct {
	Type  protowire.Type
	Value uint64
	Raw   []byte
}

func (f Field) Uint64() uint64 { return f.Value }
func (f Field) Int64() int64   { return int64(f.Value) }
func (f Field) Int() int       { return int(int64(f.Value)) }
func (f Field) Bool() bool     { return f.Value != 0 }
func (f Field) String() string { return string(f.Raw) }

// Bytes returns a copy of the length-delimited payload so the caller may keep it after the input buffer is
// reused.
func (f Field) Bytes() []byte {
	if f.Raw == nil {
		return nil
	}
	out := make([]byte, len(f.Raw))
	copy(out, f.Raw)
	return out
}

// Range walks every field of an encoded message and calls fn for each. Unknown wire types are skipped.
func Range(b []byte, fn func(num protowire.Number, f Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("wire: bad varint for field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, Field{Type: typ, Value: v}); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("wire: bad bytes for field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, Field{Type: typ, Raw: v}); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("wire: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
