// Package decode recovers semantic values from the CDC wire encoding, where
// the upstream capture system represents decimals, raw bytes, and some
// timestamps as base64-looking strings.
package decode

import (
	"encoding/base64"
	"unicode/utf8"
)

// Kind tags the shape of a decoded value.
type Kind int

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindMap
	KindSlice
)

// Value is a closed tagged variant over the shapes a decoded CDC value can
// take. Containers hold further Values so decoding can be applied
// recursively without losing the original nesting.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Bool  bool
	Str   string
	Map   map[string]Value
	Slice []Value
}

func Nil() Value             { return Value{Kind: KindNil} }
func Int(n int64) Value      { return Value{Kind: KindInt, Int: n} }
func Float(f float64) Value  { return Value{Kind: KindFloat, Float: f} }
func Bool(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func Str(s string) Value     { return Value{Kind: KindString, Str: s} }

const base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/="

// FromRaw converts an already-unmarshalled JSON value (nil, bool, float64,
// string, map[string]any, []any — the shapes encoding/json produces) into a
// Value, applying the decode rules of the wire contract to every string leaf
// and recursing into containers.
func FromRaw(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return Nil()
	case bool:
		return Bool(v)
	case float64:
		return Float(v)
	case int64:
		return Int(v)
	case string:
		return decodeString(v)
	case map[string]any:
		m := make(map[string]Value, len(v))
		for k, val := range v {
			m[k] = FromRaw(val)
		}
		return Value{Kind: KindMap, Map: m}
	case []any:
		s := make([]Value, len(v))
		for i, val := range v {
			s[i] = FromRaw(val)
		}
		return Value{Kind: KindSlice, Slice: s}
	default:
		return Nil()
	}
}

// decodeString applies the five-step decision tree from the wire contract to
// a single string leaf.
func decodeString(s string) Value {
	if !looksBase64(s) {
		return Str(s)
	}

	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Str(s)
	}

	if n := len(decoded); n >= 1 && n <= 8 {
		var u uint64
		for _, b := range decoded {
			u = u<<8 | uint64(b)
		}
		if u > 0 && u < 1_000_000_000_000 {
			return Int(int64(u))
		}
	}

	if utf8.Valid(decoded) {
		return Str(string(decoded))
	}

	if latin1, ok := latin1IfPrintable(decoded); ok {
		return Str(latin1)
	}

	return Str(s)
}

// looksBase64 implements step 2 of the contract: non-empty, last byte '=',
// every character in the base64 alphabet ('=' included). A valid base64
// string without '=' padding is rejected, since the literal last character
// must be '='.
func looksBase64(s string) bool {
	if s == "" {
		return false
	}
	if s[len(s)-1] != '=' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isBase64Char(c) {
			return false
		}
	}
	return true
}

func isBase64Char(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '+' || c == '/' || c == '=':
		return true
	default:
		return false
	}
}

// latin1IfPrintable decodes bytes as Latin-1 (ISO-8859-1, one byte per
// rune) and accepts the result only if at least 80% of the runes are
// printable.
func latin1IfPrintable(b []byte) (string, bool) {
	if len(b) == 0 {
		return "", false
	}
	runes := make([]rune, len(b))
	printable := 0
	for i, c := range b {
		r := rune(c)
		runes[i] = r
		if isPrintableLatin1(r) {
			printable++
		}
	}
	if float64(printable)/float64(len(b)) < 0.8 {
		return "", false
	}
	return string(runes), true
}

func isPrintableLatin1(r rune) bool {
	switch {
	case r >= 0x20 && r <= 0x7e:
		return true
	case r >= 0xa0 && r <= 0xff:
		return true
	default:
		return false
	}
}
