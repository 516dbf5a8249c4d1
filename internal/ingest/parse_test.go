package ingest

import (
	"testing"

	"github.com/etrap/agent/internal/batch"
	apperrors "github.com/etrap/agent/pkg/errors"
)

func TestParseMessage_Insert(t *testing.T) {
	value := []byte(`{"op":"c","after":{"id":1,"name":"A"},"source":{"db":"public","schema":"public","table":"accounts","ts_ms":1749877844134}}`)
	key := []byte(`{"id":1}`)

	ev, err := ParseMessage("etrap.public.public.accounts", "1-0", key, value)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if ev.Operation != batch.OpInsert {
		t.Errorf("got operation %v, want OpInsert", ev.Operation)
	}
	if ev.After == nil || ev.Before != nil {
		t.Errorf("insert should carry After only, got before=%v after=%v", ev.Before, ev.After)
	}
	if ev.Source.Table != "accounts" || ev.Source.TimestampMs != 1749877844134 {
		t.Errorf("source not parsed correctly: %+v", ev.Source)
	}
}

func TestParseMessage_DeleteMissingBeforeDropped(t *testing.T) {
	value := []byte(`{"op":"d","source":{"db":"public","schema":"public","table":"accounts","ts_ms":1000}}`)

	_, err := ParseMessage("etrap.public.public.accounts", "1-0", nil, value)
	if err == nil {
		t.Fatalf("expected an error for DELETE without before image")
	}
	if !apperrors.IsIngestError(err, apperrors.IngestErrMissingBefore) {
		t.Errorf("got %v, want IngestErrMissingBefore", err)
	}
}

func TestParseMessage_UnrecognisedOpDropped(t *testing.T) {
	value := []byte(`{"op":"x","source":{"db":"public","schema":"public","table":"accounts","ts_ms":1000}}`)

	_, err := ParseMessage("etrap.public.public.accounts", "1-0", nil, value)
	if err == nil {
		t.Fatalf("expected an error for an unrecognised op")
	}
	if !apperrors.IsIngestError(err, apperrors.IngestErrMalformed) {
		t.Errorf("got %v, want IngestErrMalformed", err)
	}
}

func TestParseMessage_MalformedJSONDropped(t *testing.T) {
	_, err := ParseMessage("etrap.public.public.accounts", "1-0", nil, []byte(`{not json`))
	if err == nil {
		t.Fatalf("expected an error for malformed JSON")
	}
	if !apperrors.IsIngestError(err, apperrors.IngestErrMalformed) {
		t.Errorf("got %v, want IngestErrMalformed", err)
	}
}

func TestParseMessage_UpdateCarriesBothImages(t *testing.T) {
	value := []byte(`{"op":"u","before":{"id":1,"name":"A"},"after":{"id":1,"name":"B"},"source":{"db":"public","schema":"public","table":"accounts","ts_ms":2000}}`)

	ev, err := ParseMessage("etrap.public.public.accounts", "2-0", nil, value)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if ev.Before == nil || ev.After == nil {
		t.Errorf("update should carry both before and after images")
	}
	if ev.RowPayload()["name"].Str != "B" {
		t.Errorf("update's row payload should be the after image")
	}
}

func TestParseMessage_DeleteRowPayloadIsBeforeImage(t *testing.T) {
	value := []byte(`{"op":"d","before":{"id":1,"name":"A"},"source":{"db":"public","schema":"public","table":"accounts","ts_ms":3000}}`)

	ev, err := ParseMessage("etrap.public.public.accounts", "3-0", nil, value)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if ev.RowPayload()["name"].Str != "A" {
		t.Errorf("delete's row payload should be the before image")
	}
}
