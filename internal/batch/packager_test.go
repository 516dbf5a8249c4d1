package batch

import (
	"testing"
	"time"

	"github.com/etrap/agent/pkg/decode"
)

func sourceEvent(op Operation, table string, tsMs int64, id int64) ChangeEvent {
	after := map[string]decode.Value{"id": decode.Int(id), "name": decode.Str("A")}
	var before map[string]decode.Value
	if op == OpDelete {
		before = after
		after = nil
	}
	return ChangeEvent{
		Operation: op,
		Before:    before,
		After:     after,
		Source: Source{
			Database:    "public",
			Table:       table,
			TimestampMs: tsMs,
		},
	}
}

func TestPack_SingleInsertOneLeafTree(t *testing.T) {
	p := NewPackager("org-1")
	now := time.Now()

	events := []ChangeEvent{sourceEvent(OpInsert, "accounts", 1749877844134, 1)}
	b, err := p.Pack(events, "public", "accounts", now, 0, 1)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	if len(b.Transactions) != 1 {
		t.Fatalf("got %d transactions, want 1", len(b.Transactions))
	}
	if b.MerkleOriginalSize != 1 || b.MerklePaddedSize != 1 {
		t.Errorf("got original=%d padded=%d, want 1/1", b.MerkleOriginalSize, b.MerklePaddedSize)
	}
	if b.MerkleRoot != b.Transactions[0].Hash {
		t.Errorf("single-leaf root should equal the transaction hash")
	}
	proof := b.ProofIndex["tx-0"]
	if len(proof.ProofPath) != 0 {
		t.Errorf("single-leaf proof should be empty")
	}
}

func TestPack_MixedOperationsPaddedToFour(t *testing.T) {
	p := NewPackager("org-1")
	now := time.Now()

	events := []ChangeEvent{
		sourceEvent(OpInsert, "accounts", 1000, 1),
		sourceEvent(OpUpdate, "accounts", 2000, 1),
		sourceEvent(OpDelete, "accounts", 3000, 1),
	}
	b, err := p.Pack(events, "public", "accounts", now, 0, 1)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	if len(b.Transactions) != 3 {
		t.Fatalf("got %d transactions, want 3", len(b.Transactions))
	}
	if b.MerklePaddedSize != 4 {
		t.Errorf("got padded size %d, want 4", b.MerklePaddedSize)
	}
	for i := 0; i < 3; i++ {
		id := b.Transactions[i].ID
		proofKey := id[len(b.ID)+1:]
		proof, ok := b.ProofIndex["tx-"+proofKey]
		if !ok {
			t.Fatalf("missing proof for transaction %d", i)
		}
		if len(proof.ProofPath) != 2 {
			t.Errorf("transaction %d: got proof length %d, want 2", i, len(proof.ProofPath))
		}
	}
}

func TestPack_TwoTablesProducePartitionedBatchIDs(t *testing.T) {
	p := NewPackager("org-1")
	now := time.Now()

	a, err := p.Pack([]ChangeEvent{sourceEvent(OpInsert, "a", 1000, 1), sourceEvent(OpInsert, "a", 1001, 2)}, "public", "a", now, 0, 2)
	if err != nil {
		t.Fatalf("Pack a: %v", err)
	}
	bb, err := p.Pack([]ChangeEvent{
		sourceEvent(OpInsert, "b", 1000, 1),
		sourceEvent(OpInsert, "b", 1001, 2),
		sourceEvent(OpInsert, "b", 1002, 3),
	}, "public", "b", now, 1, 2)
	if err != nil {
		t.Fatalf("Pack b: %v", err)
	}

	if a.ID[len(a.ID)-2:] != "T0" {
		t.Errorf("batch a id %q should end in T0", a.ID)
	}
	if bb.ID[len(bb.ID)-2:] != "T1" {
		t.Errorf("batch b id %q should end in T1", bb.ID)
	}
	if len(a.Transactions) != 2 || len(bb.Transactions) != 3 {
		t.Errorf("got %d/%d transactions, want 2/3", len(a.Transactions), len(bb.Transactions))
	}
}

func TestPack_EmptyPartitionRejected(t *testing.T) {
	p := NewPackager("org-1")
	if _, err := p.Pack(nil, "public", "accounts", time.Now(), 0, 1); err == nil {
		t.Errorf("expected an error packing an empty partition")
	}
}

func TestToBundle_RoundTripsFields(t *testing.T) {
	p := NewPackager("org-1")
	events := []ChangeEvent{sourceEvent(OpInsert, "accounts", 1000, 1)}
	b, err := p.Pack(events, "public", "accounts", time.Now(), 0, 1)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	bundle := b.ToBundle()
	if bundle.BatchID != b.ID {
		t.Errorf("bundle batch id mismatch")
	}
	if bundle.MerkleTree.Root != b.MerkleRoot {
		t.Errorf("bundle merkle root mismatch")
	}
	if len(bundle.Transactions) != 1 || bundle.Transactions[0].Metadata.Hash != b.Transactions[0].Hash {
		t.Errorf("bundle transaction hash mismatch")
	}
	if bundle.Verification.AnchoringData.TxHash != "" {
		t.Errorf("freshly packed batch should have zeroed anchoring data")
	}
}
