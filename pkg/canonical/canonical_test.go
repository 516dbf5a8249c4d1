package canonical

import (
	"testing"

	"github.com/etrap/agent/pkg/decode"
)

func TestHash_Deterministic(t *testing.T) {
	payload := map[string]decode.Value{
		"id":   decode.Int(1),
		"name": decode.Str("A"),
	}

	h1 := Hash(payload)
	h2 := Hash(payload)
	if h1 != h2 {
		t.Errorf("Hash not deterministic: %s != %s", h1, h2)
	}
}

func TestBytes_SortsKeys(t *testing.T) {
	a := map[string]decode.Value{"z": decode.Int(1), "a": decode.Int(2)}
	b := map[string]decode.Value{"a": decode.Int(2), "z": decode.Int(1)}

	if string(Bytes(a)) != string(Bytes(b)) {
		t.Errorf("key insertion order affected canonical output")
	}

	got := string(Bytes(a))
	want := `{"a":2,"z":1}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestBytes_AtFieldNormalisesEpochMs(t *testing.T) {
	payload := map[string]decode.Value{
		"id":         decode.Int(1),
		"created_at": decode.Int(1749877844134),
	}

	got := string(Bytes(payload))
	want := `{"created_at":"2025-06-14T05:10:44.134","id":1}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestBytes_AtFieldBelowThresholdUntouched(t *testing.T) {
	payload := map[string]decode.Value{
		"created_at": decode.Int(5), // not plausibly an epoch timestamp
	}

	got := string(Bytes(payload))
	want := `{"created_at":5}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestBytes_AtFieldAlreadyString(t *testing.T) {
	payload := map[string]decode.Value{
		"created_at": decode.Str("2025-06-14T03:30:44.134"),
	}

	got := string(Bytes(payload))
	want := `{"created_at":"2025-06-14T03:30:44.134"}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestHash_DifferentPayloadsDifferentHashes(t *testing.T) {
	a := map[string]decode.Value{"amount": decode.Int(100)}
	b := map[string]decode.Value{"amount": decode.Int(101)}

	if Hash(a) == Hash(b) {
		t.Errorf("distinct payloads hashed to the same value")
	}
}
