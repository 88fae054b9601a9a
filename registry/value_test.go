package registry

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestDecodeStringValues(t *testing.T) {
	v := DecodeValue("Updater", TypeString, EncodeString("reverse_shell.exe"))
	if v.Text() != "reverse_shell.exe" {
		t.Fatalf("unexpected text %q", v.Text())
	}
	raw := append(EncodeString("a"), EncodeString("b")...)
	raw = append(raw, 0, 0)
	ms := DecodeValue("List", TypeMultiString, raw)
	if ms.Text() != "a; b" {
		t.Fatalf("unexpected multi-string text %q", ms.Text())
	}
}

func TestDecodeIntegerValues(t *testing.T) {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, 42)
	if got := DecodeValue("d", TypeDWord, raw).Text(); got != "42" {
		t.Fatalf("dword text %q", got)
	}
	raw = make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, 1<<40)
	if got := DecodeValue("q", TypeQWord, raw).Text(); got != "1099511627776" {
		t.Fatalf("qword text %q", got)
	}
	raw = []byte{0, 0, 1, 0}
	if got := DecodeValue("be", TypeDWordBigEndian, raw).Text(); got != "256" {
		t.Fatalf("big endian text %q", got)
	}
}

func TestBinaryTextTruncated(t *testing.T) {
	short := Value{Type: TypeBinary, Binary: []byte{0x4d, 0x5a}}
	if short.Text() != "4d5a" {
		t.Fatalf("unexpected hex %q", short.Text())
	}
	long := Value{Type: TypeBinary, Binary: bytes.Repeat([]byte{0xab}, 200)}
	text := long.Text()
	if len(text) != 259 || !strings.HasSuffix(text, "...") {
		t.Fatalf("expected 256 hex chars plus ellipsis, got %d chars", len(text))
	}
	unknown := DecodeValue("n", TypeNone, []byte{0x01})
	if unknown.Text() != "01" {
		t.Fatalf("unknown types render as hex, got %q", unknown.Text())
	}
}

func TestTypeNames(t *testing.T) {
	if TypeMultiString.Name() != "MultiString" || TypeDWord.Name() != "DWORD" {
		t.Fatal("unexpected type names")
	}
	if TypeResourceList.Name() != "8" {
		t.Fatalf("unnamed types use their code, got %q", TypeResourceList.Name())
	}
	if typ, ok := ParseTypeName(" DWord "); !ok || typ != TypeDWord {
		t.Fatal("expected dword filter name to parse")
	}
	if _, ok := ParseTypeName("all"); ok {
		t.Fatal("all is not a concrete type")
	}
}
