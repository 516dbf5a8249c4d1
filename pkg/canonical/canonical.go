// Package canonical implements the hash contract shared by the ingestion
// agent and the verifier: normalise "_at"-suffixed timestamp fields, emit a
// deterministic sorted-key JSON byte sequence, and hash it with sha256.
//
// This contract is normative. The verifier recomputes every step identically
// against a row payload it receives independently of the agent, so nothing
// here may depend on map iteration order, float formatting quirks, or any
// other behaviour not spelled out by the four steps below.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/etrap/agent/pkg/decode"
)

const (
	atEpochThreshold = 1_000_000_000_000 // 10^12
	epochMicroFloor  = 1_000_000_000_000_000 // 10^15, boundary between ms and us range per spec
)

// Hash runs the full canonicalisation contract over a decoded row payload
// and returns the lowercase hex sha256 of the canonical byte sequence.
func Hash(payload map[string]decode.Value) string {
	b := Bytes(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Bytes produces the canonical byte sequence for a decoded row payload:
// "_at" fields normalised to strings (step 2), then sorted-key, whitespace-
// free JSON (step 3).
func Bytes(payload map[string]decode.Value) []byte {
	normalised := make(map[string]decode.Value, len(payload))
	for k, v := range payload {
		if strings.HasSuffix(k, "_at") {
			normalised[k] = normaliseAt(v)
		} else {
			normalised[k] = v
		}
	}

	var sb strings.Builder
	encodeValue(&sb, decode.Value{Kind: decode.KindMap, Map: normalised})
	return []byte(sb.String())
}

// normaliseAt applies step 2 of the contract to a single "_at" field.
func normaliseAt(v decode.Value) decode.Value {
	if v.Kind == decode.KindString {
		return v
	}

	var epochMs int64
	switch v.Kind {
	case decode.KindInt:
		if v.Int <= atEpochThreshold {
			return v
		}
		epochMs = epochToMillis(v.Int)
	case decode.KindFloat:
		n := int64(v.Float)
		if n <= atEpochThreshold {
			return v
		}
		epochMs = epochToMillis(n)
	default:
		return v
	}

	t := time.UnixMilli(epochMs).UTC()
	return decode.Str(formatAt(t))
}

// epochToMillis interprets n as epoch milliseconds (13-digit range) or
// epoch microseconds (16-digit range, >= 10^15) and returns epoch
// milliseconds either way.
func epochToMillis(n int64) int64 {
	if n >= epochMicroFloor {
		return n / 1000
	}
	return n
}

// formatAt renders a UTC time as "YYYY-MM-DDTHH:MM:SS.ffffff", strips
// trailing zeros from the fractional part, strips a trailing '.' if one
// remains bare, and guarantees at least millisecond precision by appending
// ".000" when the fraction vanished entirely.
func formatAt(t time.Time) string {
	s := t.Format("2006-01-02T15:04:05.000000")
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return s + ".000"
	}
	frac := strings.TrimRight(s[dot+1:], "0")
	if frac == "" {
		return s[:dot] + ".000"
	}
	return s[:dot] + "." + frac
}

// encodeValue writes the canonical JSON encoding of v to sb: sorted map
// keys, no whitespace, separators "," and ":".
func encodeValue(sb *strings.Builder, v decode.Value) {
	switch v.Kind {
	case decode.KindNil:
		sb.WriteString("null")
	case decode.KindBool:
		if v.Bool {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case decode.KindInt:
		sb.WriteString(strconv.FormatInt(v.Int, 10))
	case decode.KindFloat:
		sb.WriteString(formatFloat(v.Float))
	case decode.KindString:
		encodeString(sb, v.Str)
	case decode.KindSlice:
		sb.WriteByte('[')
		for i, e := range v.Slice {
			if i > 0 {
				sb.WriteByte(',')
			}
			encodeValue(sb, e)
		}
		sb.WriteByte(']')
	case decode.KindMap:
		sb.WriteByte('{')
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			encodeString(sb, k)
			sb.WriteByte(':')
			encodeValue(sb, v.Map[k])
		}
		sb.WriteByte('}')
	default:
		sb.WriteString("null")
	}
}

// formatFloat mirrors the conventional JSON float rendering: integral
// floats print with a single ".0" fractional part (100 -> "100.0"), others
// use the shortest round-trippable decimal form.
func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10) + ".0"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// encodeString writes s as a JSON string literal with standard escaping.
func encodeString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(sb, `\u%04x`, r)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	sb.WriteByte('"')
}
