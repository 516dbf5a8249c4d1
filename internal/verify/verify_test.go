package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/etrap/agent/internal/batch"
	"github.com/etrap/agent/internal/objectstore"
	"github.com/etrap/agent/pkg/decode"
	"github.com/etrap/agent/pkg/logging"
)

// fakeChain stands in for the Anchor Client's read surface: a token id
// indexes straight to the batch_summary it was minted with, mirroring the
// contract's own nft_token/get_batch_summary lookup.
type fakeChain struct {
	summaries map[string]*batch.Summary
}

func newFakeChain() *fakeChain {
	return &fakeChain{summaries: map[string]*batch.Summary{}}
}

func (f *fakeChain) addBatch(b *batch.Batch) {
	f.summaries[b.ID] = &batch.Summary{
		DatabaseName: b.Database,
		TableNames:   []string{b.Table},
	}
}

func (f *fakeChain) BatchSummary(ctx context.Context, tokenID string) (*batch.Summary, error) {
	s, ok := f.summaries[tokenID]
	if !ok {
		return nil, fmt.Errorf("unknown token id %s", tokenID)
	}
	return s, nil
}

func (f *fakeChain) BatchesByTable(ctx context.Context, table string, limit uint64) ([]string, error) {
	var ids []string
	for id, s := range f.summaries {
		for _, t := range s.TableNames {
			if t == table {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (f *fakeChain) RecentBatches(ctx context.Context, limit uint64) ([]string, error) {
	ids := make([]string, 0, len(f.summaries))
	for id := range f.summaries {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeChain) BlockTimestamp(ctx context.Context, height uint64) (int64, error) {
	return 0, nil
}

// rewriteBundle overwrites a stored batch-data.json with an already
// in-memory-mutated bundle, to exercise tamper detection against a bundle
// that has been altered after it left the object store.
func rewriteBundle(root string, bundle *batch.Bundle) error {
	path := filepath.Join(root, bundle.Database, bundle.Table, bundle.BatchID, "batch-data.json")
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func packAndStore(t *testing.T, store objectstore.BundleStore, chain *fakeChain, events []batch.ChangeEvent) *batch.Batch {
	t.Helper()
	p := batch.NewPackager("org-1")
	b, err := p.Pack(events, "public", "accounts", time.Now(), 0, 1)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if err := store.WriteBundle(context.Background(), b); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}
	if chain != nil {
		chain.addBatch(b)
	}
	return b
}

func newEvent(id int64, amount float64) batch.ChangeEvent {
	return batch.ChangeEvent{
		Operation: batch.OpInsert,
		After:     map[string]decode.Value{"id": decode.Int(id), "amount": decode.Float(amount)},
		Source:    batch.Source{Database: "public", Table: "accounts", TimestampMs: 1000 + id},
	}
}

func TestVerify_FindsAnchoredRowByBatchHint(t *testing.T) {
	dir := t.TempDir()
	logger := logging.New(logging.DefaultConfig())
	store := objectstore.NewFilesystemStore(dir, "bucket", logger)
	chain := newFakeChain()

	events := []batch.ChangeEvent{newEvent(1, 100), newEvent(2, 200), newEvent(3, 300)}
	b := packAndStore(t, store, chain, events)

	v := New(store, chain, logger)
	result, err := v.Verify(context.Background(), events[1].RowPayload(), Hints{BatchID: b.ID})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Verified {
		t.Fatalf("expected Verified, got %+v", result)
	}
	if result.BatchID != b.ID {
		t.Errorf("got batch id %s, want %s", result.BatchID, b.ID)
	}
	if result.ProofLength != 2 {
		t.Errorf("got proof length %d, want 2 (4-leaf padded tree)", result.ProofLength)
	}
}

func TestVerify_FindsAnchoredRowByTableHint(t *testing.T) {
	dir := t.TempDir()
	logger := logging.New(logging.DefaultConfig())
	store := objectstore.NewFilesystemStore(dir, "bucket", logger)
	chain := newFakeChain()

	events := []batch.ChangeEvent{newEvent(1, 100), newEvent(2, 200)}
	b := packAndStore(t, store, chain, events)

	v := New(store, chain, logger)
	result, err := v.Verify(context.Background(), events[0].RowPayload(), Hints{Table: "accounts"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Verified {
		t.Fatalf("expected Verified via table-hint (level 2) search, got %+v", result)
	}
	if result.BatchID != b.ID {
		t.Errorf("got batch id %s, want %s", result.BatchID, b.ID)
	}
}

func TestVerify_FindsAnchoredRowWithNoHints(t *testing.T) {
	dir := t.TempDir()
	logger := logging.New(logging.DefaultConfig())
	store := objectstore.NewFilesystemStore(dir, "bucket", logger)
	chain := newFakeChain()

	events := []batch.ChangeEvent{newEvent(1, 100)}
	b := packAndStore(t, store, chain, events)

	v := New(store, chain, logger)
	result, err := v.Verify(context.Background(), events[0].RowPayload(), Hints{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Verified {
		t.Fatalf("expected Verified via recent-batches (level 3) search, got %+v", result)
	}
	if result.BatchID != b.ID {
		t.Errorf("got batch id %s, want %s", result.BatchID, b.ID)
	}
}

func TestVerify_MutatedAmountIsNotVerified(t *testing.T) {
	dir := t.TempDir()
	logger := logging.New(logging.DefaultConfig())
	store := objectstore.NewFilesystemStore(dir, "bucket", logger)
	chain := newFakeChain()

	events := []batch.ChangeEvent{newEvent(1, 100), newEvent(2, 200)}
	b := packAndStore(t, store, chain, events)

	mutated := map[string]decode.Value{"id": decode.Int(2), "amount": decode.Float(999)}

	v := New(store, chain, logger)
	result, err := v.Verify(context.Background(), mutated, Hints{BatchID: b.ID})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verified || result.TamperEvidence {
		t.Fatalf("mutated payload should be NOT_VERIFIED, got %+v", result)
	}
}

func TestVerify_CorruptedProofIsTamperEvidence(t *testing.T) {
	dir := t.TempDir()
	logger := logging.New(logging.DefaultConfig())
	store := objectstore.NewFilesystemStore(dir, "bucket", logger)
	chain := newFakeChain()

	events := []batch.ChangeEvent{newEvent(1, 100), newEvent(2, 200)}
	b := packAndStore(t, store, chain, events)

	bundle, err := store.ReadBundle(context.Background(), "public", "accounts", b.ID)
	if err != nil {
		t.Fatalf("ReadBundle: %v", err)
	}
	proof := bundle.MerkleTree.ProofIndex["tx-0"]
	proof.ProofPath[0] = "0000000000000000000000000000000000000000000000000000000000000000"
	bundle.MerkleTree.ProofIndex["tx-0"] = proof

	if err := rewriteBundle(dir, bundle); err != nil {
		t.Fatalf("rewriteBundle: %v", err)
	}

	v := New(store, chain, logger)
	result, err := v.Verify(context.Background(), events[0].RowPayload(), Hints{BatchID: b.ID})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.TamperEvidence {
		t.Fatalf("expected TamperEvidence, got %+v", result)
	}
}

func TestVerify_UnknownHashNotVerified(t *testing.T) {
	dir := t.TempDir()
	logger := logging.New(logging.DefaultConfig())
	store := objectstore.NewFilesystemStore(dir, "bucket", logger)
	chain := newFakeChain()

	events := []batch.ChangeEvent{newEvent(1, 100)}
	b := packAndStore(t, store, chain, events)

	v := New(store, chain, logger)
	result, err := v.Verify(context.Background(), newEvent(999, 999).RowPayload(), Hints{BatchID: b.ID})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verified || result.TamperEvidence {
		t.Fatalf("unknown hash should be NOT_VERIFIED, got %+v", result)
	}
	if result.BatchesScanned != 1 {
		t.Errorf("got batches scanned %d, want 1", result.BatchesScanned)
	}
}

func TestVerify_NoChainConfiguredCannotResolveLocation(t *testing.T) {
	dir := t.TempDir()
	logger := logging.New(logging.DefaultConfig())
	store := objectstore.NewFilesystemStore(dir, "bucket", logger)

	events := []batch.ChangeEvent{newEvent(1, 100)}
	b := packAndStore(t, store, nil, events)

	v := New(store, nil, logger)
	result, err := v.Verify(context.Background(), events[0].RowPayload(), Hints{BatchID: b.ID})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verified {
		t.Fatalf("expected verification to fail without a chain client, got %+v", result)
	}
}
