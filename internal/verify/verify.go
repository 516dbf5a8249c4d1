// Package verify implements the progressive-search verification algorithm
// of §4.H: given a candidate row payload and optional hints, it locates the
// anchored batch containing that row's hash and checks its Merkle proof.
package verify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/etrap/agent/internal/batch"
	"github.com/etrap/agent/internal/objectstore"
	"github.com/etrap/agent/pkg/canonical"
	"github.com/etrap/agent/pkg/decode"
	apperrors "github.com/etrap/agent/pkg/errors"
	"github.com/etrap/agent/pkg/logging"
	"github.com/etrap/agent/pkg/merkle"
)

// ChainReader is the read surface of the Anchor Client the Verifier needs:
// enumerating candidate batches for levels 2 and 3 of the progressive
// search, and resolving each candidate's storage location from its
// on-chain batch_summary, per §4.H/§6. Satisfied by *anchor.Client.
type ChainReader interface {
	BatchSummary(ctx context.Context, tokenID string) (*batch.Summary, error)
	BatchesByTable(ctx context.Context, table string, limit uint64) ([]string, error)
	RecentBatches(ctx context.Context, limit uint64) ([]string, error)
	BlockTimestamp(ctx context.Context, height uint64) (int64, error)
}

// Result is the outcome of one Verify call.
type Result struct {
	Verified       bool
	TamperEvidence bool
	Hash           string
	BatchID        string
	ChainTimestamp int64
	MerkleRoot     string
	ProofLength    int
	BatchesScanned int
	Reason         string
}

// Hints narrow the progressive search, per §4.H.
type Hints struct {
	BatchID  string
	Table    string
	Database string
}

const (
	tableSearchLimit  = 50
	recentSearchLimit = 100
)

// Verifier locates and checks row payloads against anchored batches.
type Verifier struct {
	Store  objectstore.BundleStore
	Chain  ChainReader
	logger *logging.Logger
}

// New constructs a Verifier.
func New(store objectstore.BundleStore, chain ChainReader, logger *logging.Logger) *Verifier {
	return &Verifier{Store: store, Chain: chain, logger: logger}
}

// Verify runs the progressive search of §4.H against payload, using hints
// to narrow the candidate set.
func (v *Verifier) Verify(ctx context.Context, payload map[string]decode.Value, hints Hints) (*Result, error) {
	hash := canonical.Hash(payload)
	result := &Result{Hash: hash}

	candidates, err := v.candidateBatchIDs(ctx, hints)
	if err != nil {
		return nil, apperrors.VerifyWrap(err, apperrors.OpSearchBatches, apperrors.VerifyErrChainRead, "failed to enumerate candidate batches")
	}

	for _, batchID := range candidates {
		result.BatchesScanned++

		if v.Chain == nil {
			result.Reason = "no chain client configured to resolve candidate batch storage locations"
			return result, nil
		}
		summary, err := v.Chain.BatchSummary(ctx, batchID)
		if err != nil {
			v.logger.Warn("batch_summary read failed for candidate batch, continuing", "batch_id", batchID, "error", err)
			continue
		}
		if len(summary.TableNames) == 0 {
			v.logger.Warn("batch_summary has no table names, continuing", "batch_id", batchID)
			continue
		}

		bundle, err := v.Store.ReadBundle(ctx, summary.DatabaseName, summary.TableNames[0], batchID)
		if err != nil {
			v.logger.Warn("storage read failed for candidate batch, continuing", "batch_id", batchID, "error", err)
			continue
		}

		tx, found := findTransactionByHash(bundle, hash)
		if !found {
			continue
		}

		result.BatchID = batchID
		result.MerkleRoot = bundle.MerkleTree.Root

		index, ok := trailingIndex(tx.TransactionID)
		if !ok {
			result.Reason = "transaction id has unexpected shape, cannot locate proof"
			return result, nil
		}

		proofKey := fmt.Sprintf("tx-%d", index)
		proofBundle, ok := bundle.MerkleTree.ProofIndex[proofKey]
		if !ok {
			result.Reason = "no proof entry for matched transaction"
			return result, nil
		}

		sides := make([]merkle.Side, len(proofBundle.SiblingPositions))
		for i, s := range proofBundle.SiblingPositions {
			sides[i] = merkle.Side(s)
		}
		proof := merkle.Proof{
			LeafIndex:        proofBundle.LeafIndex,
			ProofPath:        proofBundle.ProofPath,
			SiblingPositions: sides,
		}

		result.ProofLength = len(proof.ProofPath)

		if !merkle.Verify(hash, proof, bundle.MerkleTree.Root) {
			result.TamperEvidence = true
			result.Reason = "hash found but merkle proof failed to verify against anchored root"
			return result, nil
		}

		result.Verified = true
		if v.Chain != nil && bundle.Verification.AnchoringData.BlockHeight > 0 {
			if ts, err := v.Chain.BlockTimestamp(ctx, bundle.Verification.AnchoringData.BlockHeight); err == nil {
				result.ChainTimestamp = ts
			}
		}
		return result, nil
	}

	result.Reason = fmt.Sprintf("hash not found in any of %d searched batches", result.BatchesScanned)
	return result, nil
}

// candidateBatchIDs implements the three-level progressive search.
func (v *Verifier) candidateBatchIDs(ctx context.Context, hints Hints) ([]string, error) {
	if hints.BatchID != "" {
		return []string{hints.BatchID}, nil
	}
	if v.Chain == nil {
		return nil, fmt.Errorf("no chain client configured for table/recent search")
	}
	if hints.Table != "" {
		return v.Chain.BatchesByTable(ctx, hints.Table, tableSearchLimit)
	}
	return v.Chain.RecentBatches(ctx, recentSearchLimit)
}

func findTransactionByHash(bundle *batch.Bundle, hash string) (batch.TransactionBundle, bool) {
	for _, tx := range bundle.Transactions {
		if tx.Metadata.Hash == hash {
			return tx, true
		}
	}
	return batch.TransactionBundle{}, false
}

// trailingIndex extracts the {index} suffix of a "{batchId}-{index}"
// transaction id.
func trailingIndex(transactionID string) (int, bool) {
	i := strings.LastIndex(transactionID, "-")
	if i < 0 || i == len(transactionID)-1 {
		return 0, false
	}
	n, err := strconv.Atoi(transactionID[i+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}
