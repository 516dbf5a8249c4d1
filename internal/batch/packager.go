package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/etrap/agent/pkg/errors"
	"github.com/etrap/agent/pkg/canonical"
	"github.com/etrap/agent/pkg/merkle"
)

// Packager converts a partition of events into the immutable Batch
// structure. It has no state; every call is independent.
type Packager struct {
	OrganisationID string
}

// NewPackager constructs a Packager bound to an organisation id (used only
// to populate Batch.OrganisationID, not in hashing).
func NewPackager(organisationID string) *Packager {
	return &Packager{OrganisationID: organisationID}
}

// NewBatchID allocates a batch id of the form BATCH-YYYY-MM-DD-{8 hex}, with
// an optional -T{partitionIndex} suffix when partitionCount > 1.
func NewBatchID(now time.Time, partitionIndex, partitionCount int) string {
	id := fmt.Sprintf("BATCH-%s-%s", now.UTC().Format("2006-01-02"), randomHex8())
	if partitionCount > 1 {
		id = fmt.Sprintf("%s-T%d", id, partitionIndex)
	}
	return id
}

func randomHex8() string {
	u := uuid.New()
	return hex.EncodeToString(u[:4])
}

// Pack assembles a Batch from one (database, table) partition of events, in
// arrival order. partitionIndex/partitionCount determine the batch id
// suffix per §4.D/§6.
func (p *Packager) Pack(events []ChangeEvent, database, table string, now time.Time, partitionIndex, partitionCount int) (*Batch, error) {
	if len(events) == 0 {
		return nil, apperrors.NewBatchError(apperrors.BatchErrPackage, "cannot pack an empty partition", nil)
	}

	batchID := NewBatchID(now, partitionIndex, partitionCount)

	leaves := make([]string, len(events))
	txs := make([]TransactionRecord, len(events))
	byTimestamp := make(map[string][]string)
	byOperation := make(map[Operation][]string)
	byDate := make(map[string][]string)

	for i, ev := range events {
		hash := canonical.Hash(ev.RowPayload())
		leaves[i] = hash

		id := fmt.Sprintf("%s-%d", batchID, i)
		rec := TransactionRecord{
			ID:            id,
			TimestampMs:   ev.Source.TimestampMs,
			Operation:     ev.Operation,
			Database:      ev.Source.Database,
			Table:         ev.Source.Table,
			Hash:          hash,
			User:          ev.Source.User,
			LSN:           ev.Source.LSN,
			TransactionID: ev.Source.TransactionID,
		}
		switch ev.Operation {
		case OpInsert:
			rec.Inserts = 1
		case OpUpdate:
			rec.Updates = 1
		case OpDelete:
			rec.Deletes = 1
		}
		txs[i] = rec

		tsKey := fmt.Sprintf("%d", ev.Source.TimestampMs)
		byTimestamp[tsKey] = append(byTimestamp[tsKey], id)
		byOperation[ev.Operation] = append(byOperation[ev.Operation], id)
		dateKey := time.UnixMilli(ev.Source.TimestampMs).Format("2006-01-02")
		byDate[dateKey] = append(byDate[dateKey], id)
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, apperrors.BatchWrap(err, apperrors.OpBuildTree, apperrors.BatchErrMerkle, "failed to build merkle tree")
	}

	proofIndex := make(map[string]MerkleProof, len(tree.ProofIndex))
	for k, pr := range tree.ProofIndex {
		sides := make([]string, len(pr.SiblingPositions))
		for i, s := range pr.SiblingPositions {
			sides[i] = string(s)
		}
		proofIndex[k] = MerkleProof{
			LeafIndex:        pr.LeafIndex,
			ProofPath:        pr.ProofPath,
			SiblingPositions: sides,
		}
	}

	signature := sha256.Sum256([]byte(batchID + tree.Root))

	return &Batch{
		ID:                 batchID,
		CreatedAtMs:        now.UnixMilli(),
		OrganisationID:     p.OrganisationID,
		Database:           database,
		Table:              table,
		Transactions:       txs,
		MerkleRoot:         tree.Root,
		MerkleHeight:       tree.Height,
		MerkleOriginalSize: tree.OriginalCount,
		MerklePaddedSize:   tree.PaddedCount,
		ProofIndex:         proofIndex,
		Indices: Indices{
			ByTimestamp: byTimestamp,
			ByOperation: byOperation,
			ByDate:      byDate,
		},
		Verification: Verification{
			BatchSignature: hex.EncodeToString(signature[:]),
			AnchoringData:  AnchoringData{},
		},
	}, nil
}
