package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/swarmsync/internal/testutil/testlog"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		String(1, "obj-1"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestTypedGetters(t *testing.T) {
	testlog.Start(t)
	fields, err := DecodeFields(EncodeFields([]Field{
		String(1, "obj-1"),
		Bytes(2, []byte("body")),
		U64(3, 1<<40),
	}))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	s, err := GetString(fields, 1)
	if err != nil || s != "obj-1" {
		t.Fatalf("get string: %q %v", s, err)
	}
	b, err := GetBytes(fields, 2)
	if err != nil || string(b) != "body" {
		t.Fatalf("get bytes: %q %v", b, err)
	}
	f, _ := GetField(fields, 3)
	n, err := U64FromBytes(f.Value)
	if err != nil || n != 1<<40 {
		t.Fatalf("u64: %d %v", n, err)
	}
	if _, err := GetString(fields, 2); err == nil {
		t.Fatalf("expected type mismatch for bytes field read as string")
	}
	if _, err := GetBytes(fields, 7); !errors.Is(err, ErrFieldMissing) {
		t.Fatalf("expected ErrFieldMissing, got %v", err)
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	testlog.Start(t)
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
