package decode

import (
	"encoding/base64"
	"testing"
)

func TestFromRaw_Scalars(t *testing.T) {
	if v := FromRaw(nil); v.Kind != KindNil {
		t.Errorf("nil: got kind %v, want KindNil", v.Kind)
	}
	if v := FromRaw(true); v.Kind != KindBool || v.Bool != true {
		t.Errorf("bool: got %+v", v)
	}
	if v := FromRaw(float64(42)); v.Kind != KindFloat || v.Float != 42 {
		t.Errorf("float64: got %+v", v)
	}
}

func TestFromRaw_PlainString(t *testing.T) {
	v := FromRaw("hello world")
	if v.Kind != KindString || v.Str != "hello world" {
		t.Errorf("got %+v, want plain string", v)
	}
}

func TestFromRaw_Base64Int(t *testing.T) {
	// A small integer encoded big-endian then base64'd, as the upstream
	// capture system represents DECIMAL/NUMERIC columns.
	encoded := base64.StdEncoding.EncodeToString([]byte{0x01, 0x2c}) // 300
	v := FromRaw(encoded)
	if v.Kind != KindInt || v.Int != 300 {
		t.Errorf("got %+v, want decoded int 300", v)
	}
}

func TestFromRaw_Base64Utf8Text(t *testing.T) {
	// 20 bytes, so the encoding ends in '=' and is a decoding candidate.
	encoded := base64.StdEncoding.EncodeToString([]byte("hello, decoded bytes"))
	v := FromRaw(encoded)
	if v.Kind != KindString || v.Str != "hello, decoded bytes" {
		t.Errorf("got %+v, want decoded text", v)
	}
}

func TestFromRaw_NotBase64Lookalike(t *testing.T) {
	// Doesn't end in '=', so it must be left alone even though it's a
	// valid base64 alphabet string.
	v := FromRaw("abcdefgh")
	if v.Kind != KindString || v.Str != "abcdefgh" {
		t.Errorf("got %+v, want untouched string", v)
	}
}

func TestFromRaw_NestedContainers(t *testing.T) {
	raw := map[string]any{
		"a": float64(1),
		"b": []any{"x", "y"},
		"c": map[string]any{"d": true},
	}
	v := FromRaw(raw)
	if v.Kind != KindMap {
		t.Fatalf("got kind %v, want KindMap", v.Kind)
	}
	if v.Map["a"].Kind != KindFloat {
		t.Errorf("a: got %+v", v.Map["a"])
	}
	if v.Map["b"].Kind != KindSlice || len(v.Map["b"].Slice) != 2 {
		t.Errorf("b: got %+v", v.Map["b"])
	}
	if v.Map["c"].Map["d"].Kind != KindBool {
		t.Errorf("c.d: got %+v", v.Map["c"].Map["d"])
	}
}
