// Package ingest consumes CDC change events from Redis Streams and parses
// them into the internal/batch.ChangeEvent data model, following the
// etrap.public.* wire protocol of §6.
package ingest

import (
	"encoding/json"
	"strings"

	"github.com/etrap/agent/internal/batch"
	"github.com/etrap/agent/pkg/decode"
	apperrors "github.com/etrap/agent/pkg/errors"
)

// wireMessage mirrors the two top-level JSON text fields carried by every
// stream entry.
type wireMessage struct {
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
}

type wireValue struct {
	Op     string                 `json:"op"`
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
	Source wireSource             `json:"source"`
}

type wireSource struct {
	DB     string `json:"db"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	TsMs   int64  `json:"ts_ms"`
	LSN    string `json:"lsn"`
	TxID   string `json:"txId"`
	User   string `json:"user"`
}

var opMap = map[string]batch.Operation{
	"c": batch.OpInsert,
	"u": batch.OpUpdate,
	"d": batch.OpDelete,
	"r": batch.OpSnapshot,
}

// ParseMessage parses one raw stream message ("key"/"value" JSON text
// fields) into a ChangeEvent. It returns an error (INGEST_MALFORMED or
// INGEST_MISSING_BEFORE) for events that must be dropped per §7; callers
// must still acknowledge the message to the broker in either case.
func ParseMessage(streamID, messageID string, keyText, valueText []byte) (*batch.ChangeEvent, error) {
	var value wireValue
	if len(valueText) > 0 && !isEmptyJSON(valueText) {
		if err := json.Unmarshal(valueText, &value); err != nil {
			return nil, apperrors.NewIngestError(apperrors.IngestErrMalformed, "failed to parse value JSON", err)
		}
	}

	op, ok := opMap[value.Op]
	if !ok {
		return nil, apperrors.NewIngestError(apperrors.IngestErrMalformed, "unrecognised op: "+value.Op, nil)
	}

	if op == batch.OpDelete && value.Before == nil {
		return nil, apperrors.NewIngestError(apperrors.IngestErrMissingBefore, "DELETE event missing before image", nil)
	}

	var keyDecoded map[string]decode.Value
	if len(keyText) > 0 && !isEmptyJSON(keyText) {
		var rawKey map[string]interface{}
		if err := json.Unmarshal(keyText, &rawKey); err != nil {
			return nil, apperrors.NewIngestError(apperrors.IngestErrMalformed, "failed to parse key JSON", err)
		}
		keyDecoded = decodeMap(rawKey)
	}

	ev := &batch.ChangeEvent{
		Operation: op,
		Key:       keyDecoded,
		Before:    decodeMap(value.Before),
		After:     decodeMap(value.After),
		Source: batch.Source{
			Database:      value.Source.DB,
			Schema:        value.Source.Schema,
			Table:         value.Source.Table,
			LSN:           value.Source.LSN,
			TransactionID: value.Source.TxID,
			TimestampMs:   value.Source.TsMs,
			User:          value.Source.User,
		},
		StreamID:  streamID,
		MessageID: messageID,
	}

	if !ev.Valid() {
		return nil, apperrors.NewIngestError(apperrors.IngestErrMalformed, "event violates before/after invariant for its operation", nil)
	}

	return ev, nil
}

func decodeMap(raw map[string]interface{}) map[string]decode.Value {
	if raw == nil {
		return nil
	}
	out := make(map[string]decode.Value, len(raw))
	for k, v := range raw {
		out[k] = decode.FromRaw(v)
	}
	return out
}

func isEmptyJSON(b []byte) bool {
	s := strings.TrimSpace(string(b))
	return s == "" || s == "{}" || s == "null"
}
