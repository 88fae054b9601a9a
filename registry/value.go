package registry

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"
)

// ValueType is the raw registry type code of a value.
type ValueType uint32

const (
	TypeNone             ValueType = 0
	TypeString           ValueType = 1
	TypeExpandString     ValueType = 2
	TypeBinary           ValueType = 3
	TypeDWord            ValueType = 4
	TypeDWordBigEndian   ValueType = 5
	TypeLink             ValueType = 6
	TypeMultiString      ValueType = 7
	TypeResourceList     ValueType = 8
	TypeFullResourceDesc ValueType = 9
	TypeResourceReqList  ValueType = 10
	TypeQWord            ValueType = 11
)

const maxBinaryTextLen = 256

var typeNames = map[ValueType]string{
	TypeString:       "String",
	TypeExpandString: "ExpandString",
	TypeMultiString:  "MultiString",
	TypeDWord:        "DWORD",
	TypeQWord:        "QWORD",
	TypeBinary:       "Binary",
}

var typeFilterNames = map[string]ValueType{
	"string":       TypeString,
	"expandstring": TypeExpandString,
	"multistring":  TypeMultiString,
	"dword":        TypeDWord,
	"qword":        TypeQWord,
	"binary":       TypeBinary,
}

// Name returns the display name of the type, or its decimal code when the
// type has no display name.
func (t ValueType) Name() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return strconv.FormatUint(uint64(t), 10)
}

// ParseTypeName maps a filter name such as "dword" to its type code.
func ParseTypeName(name string) (ValueType, bool) {
	t, ok := typeFilterNames[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// Value is a decoded registry value.
type Value struct {
	Name    string
	Type    ValueType
	String  string
	Strings []string
	Integer uint64
	Binary  []byte
}

// DecodeValue converts the raw bytes returned by the registry into a Value.
// Strings are stored as NUL-terminated UTF-16LE.
func DecodeValue(name string, typ ValueType, raw []byte) Value {
	v := Value{Name: name, Type: typ}
	switch typ {
	case TypeString, TypeExpandString, TypeLink:
		v.String = decodeUTF16(raw)
	case TypeMultiString:
		v.Strings = splitMultiString(decodeUTF16Raw(raw))
	case TypeDWord:
		if len(raw) >= 4 {
			v.Integer = uint64(binary.LittleEndian.Uint32(raw))
		}
	case TypeDWordBigEndian:
		if len(raw) >= 4 {
			v.Integer = uint64(binary.BigEndian.Uint32(raw))
		}
	case TypeQWord:
		if len(raw) >= 8 {
			v.Integer = binary.LittleEndian.Uint64(raw)
		}
	default:
		v.Binary = append([]byte(nil), raw...)
	}
	return v
}

// Text renders the value the way it is matched and displayed: strings
// verbatim, multi-strings joined with "; ", integers in decimal and
// everything else as hex truncated to 256 characters.
func (v Value) Text() string {
	switch v.Type {
	case TypeString, TypeExpandString, TypeLink:
		return v.String
	case TypeMultiString:
		return strings.Join(v.Strings, "; ")
	case TypeDWord, TypeDWordBigEndian, TypeQWord:
		return strconv.FormatUint(v.Integer, 10)
	default:
		s := hex.EncodeToString(v.Binary)
		if len(s) > maxBinaryTextLen {
			s = s[:maxBinaryTextLen] + "..."
		}
		return s
	}
}

func (v Value) GoString() string {
	return fmt.Sprintf("registry.Value{Name:%q, Type:%s, Text:%q}", v.Name, v.Type.Name(), v.Text())
}

func decodeUTF16Raw(raw []byte) string {
	u := make([]uint16, len(raw)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return string(utf16.Decode(u))
}

func decodeUTF16(raw []byte) string {
	s := decodeUTF16Raw(raw)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return s
}

func splitMultiString(s string) []string {
	s = strings.TrimRight(s, "\x00")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x00")
}

// EncodeString produces the raw UTF-16LE form of a string value.
func EncodeString(s string) []byte {
	u := utf16.Encode([]rune(s))
	raw := make([]byte, (len(u)+1)*2)
	for i, c := range u {
		binary.LittleEndian.PutUint16(raw[i*2:], c)
	}
	return raw
}
