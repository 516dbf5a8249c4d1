package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/etrap/agent/internal/batch"
	"github.com/etrap/agent/pkg/decode"
	"github.com/etrap/agent/pkg/logging"
)

func packOneBatch(t *testing.T) *batch.Batch {
	t.Helper()
	p := batch.NewPackager("org-1")
	events := []batch.ChangeEvent{{
		Operation: batch.OpInsert,
		After:     map[string]decode.Value{"id": decode.Int(1)},
		Source:    batch.Source{Database: "public", Table: "accounts", TimestampMs: 1000},
	}}
	b, err := p.Pack(events, "public", "accounts", time.Now(), 0, 1)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return b
}

func TestWriteAndReadBundle_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	logger := logging.New(logging.DefaultConfig())
	store := NewFilesystemStore(dir, "test-bucket", logger)

	b := packOneBatch(t)

	if err := store.WriteBundle(context.Background(), b); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}

	bundle, err := store.ReadBundle(context.Background(), b.Database, b.Table, b.ID)
	if err != nil {
		t.Fatalf("ReadBundle: %v", err)
	}
	if bundle.BatchID != b.ID {
		t.Errorf("got batch id %s, want %s", bundle.BatchID, b.ID)
	}
	if bundle.MerkleTree.Root != b.MerkleRoot {
		t.Errorf("got merkle root %s, want %s", bundle.MerkleTree.Root, b.MerkleRoot)
	}
}

func TestReadBundle_NotFound(t *testing.T) {
	dir := t.TempDir()
	logger := logging.New(logging.DefaultConfig())
	store := NewFilesystemStore(dir, "test-bucket", logger)

	if _, err := store.ReadBundle(context.Background(), "public", "accounts", "BATCH-does-not-exist"); err == nil {
		t.Errorf("expected an error reading a bundle that was never written")
	}
}

func TestKey_ShapeMatchesS3KeyContract(t *testing.T) {
	store := NewFilesystemStore("/tmp", "bucket", logging.New(logging.DefaultConfig()))
	key := store.Key("public", "accounts", "BATCH-2025-06-14-abcd1234")
	want := "public/accounts/BATCH-2025-06-14-abcd1234/"
	if key != want {
		t.Errorf("got %s, want %s", key, want)
	}
}
