package wire

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestFieldsRoundTripPreservesBytes(t *testing.T) {
	var b []byte
	b = AppendString(b, 1, "alpha")
	b = AppendVarint(b, 2, 42)
	b = AppendDouble(b, 3, 1.5)
	b = AppendMessage(b, 4, AppendBool(nil, 1, true))
	b = protowire.AppendTag(b, 99, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)

	fields, err := Fields(b)
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	if len(fields) != 5 {
		t.Fatalf("expected 5 fields, got %d", len(fields))
	}

	var joined []byte
	for _, f := range fields {
		joined = append(joined, f.Raw...)
	}
	if !bytes.Equal(joined, b) {
		t.Fatalf("raw fields do not reassemble the record")
	}

	if s, err := fields[0].String(); err != nil || s != "alpha" {
		t.Fatalf("string: %q %v", s, err)
	}
	if v, err := fields[1].Varint(); err != nil || v != 42 {
		t.Fatalf("varint: %d %v", v, err)
	}
	if d, err := fields[2].Double(); err != nil || d != 1.5 {
		t.Fatalf("double: %v %v", d, err)
	}
	if _, err := fields[1].Bytes(); err == nil {
		t.Fatalf("expected wire type mismatch error")
	}
}

func TestWalkRejectsTruncatedInput(t *testing.T) {
	b := AppendString(nil, 1, "truncated")
	if _, err := Fields(b[:len(b)-2]); err == nil {
		t.Fatalf("expected parse error")
	}
}
