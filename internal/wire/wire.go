// Package wire walks protobuf-encoded records field by field so callers can
// read the few fields they need and keep everything else byte-for-byte.
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field is one encoded field of a record.
type Field struct {
	Num  protowire.Number
	Type protowire.Type
	// Raw is the complete encoding (tag and value).
	Raw []byte
	// Value is the encoded value without the tag.
	Value []byte
}

// Fields splits b into its top-level fields in encoding order.
func Fields(b []byte) ([]Field, error) {
	var out []Field
	err := Walk(b, func(f Field) error {
		out = append(out, f)
		return nil
	})
	return out, err
}

// Walk calls fn for every top-level field of b.
func Walk(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		m := protowire.ConsumeFieldValue(num, typ, b[n:])
		if m < 0 {
			return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(m))
		}
		f := Field{Num: num, Type: typ, Raw: b[:n+m], Value: b[n : n+m]}
		if err := fn(f); err != nil {
			return err
		}
		b = b[n+m:]
	}
	return nil
}

// Bytes returns the payload of a length-delimited field.
func (f Field) Bytes() ([]byte, error) {
	if f.Type != protowire.BytesType {
		return nil, fmt.Errorf("field %d: expected length-delimited, got wire type %d", f.Num, f.Type)
	}
	v, n := protowire.ConsumeBytes(f.Value)
	if n < 0 {
		return nil, fmt.Errorf("field %d: %w", f.Num, protowire.ParseError(n))
	}
	return v, nil
}

// String returns the payload of a length-delimited field as a string.
func (f Field) String() (string, error) {
	v, err := f.Bytes()
	return string(v), err
}

// Varint returns the value of a varint field.
func (f Field) Varint() (uint64, error) {
	if f.Type != protowire.VarintType {
		return 0, fmt.Errorf("field %d: expected varint, got wire type %d", f.Num, f.Type)
	}
	v, n := protowire.ConsumeVarint(f.Value)
	if n < 0 {
		return 0, fmt.Errorf("field %d: %w", f.Num, protowire.ParseError(n))
	}
	return v, nil
}

// Double returns the value of a fixed64 field interpreted as float64.
func (f Field) Double() (float64, error) {
	if f.Type != protowire.Fixed64Type {
		return 0, fmt.Errorf("field %d: expected fixed64, got wire type %d", f.Num, f.Type)
	}
	v, n := protowire.ConsumeFixed64(f.Value)
	if n < 0 {
		return 0, fmt.Errorf("field %d: %w", f.Num, protowire.ParseError(n))
	}
	return math.Float64frombits(v), nil
}

// AppendMessage appends field num holding the encoded message msg.
func AppendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// AppendString appends a string field.
func AppendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendVarint appends a varint field.
func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendBool appends a bool field.
func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	return AppendVarint(b, num, protowire.EncodeBool(v))
}

// AppendDouble appends a double field.
func AppendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}
