package batch

// Bundle is the JSON-serialisable form of a Batch, matching the
// batch-data.json schema of §6. Field names are fixed by the external
// contract and must not be renamed.
type Bundle struct {
	BatchID        string              `json:"batch_id"`
	CreatedAt      int64               `json:"created_at"`
	OrganisationID string              `json:"organization_id"`
	Database       string              `json:"database"`
	Table          string              `json:"table"`
	Transactions   []TransactionBundle `json:"transactions"`
	MerkleTree     MerkleTreeBundle    `json:"merkle_tree"`
	Verification   VerificationBundle  `json:"verification"`
}

type TransactionBundle struct {
	TransactionID string           `json:"transaction_id"`
	Timestamp     int64            `json:"timestamp"`
	Operation     string           `json:"operation"`
	Database      string           `json:"database"`
	Table         string           `json:"table"`
	Inserts       int              `json:"inserts"`
	Updates       int              `json:"updates"`
	Deletes       int              `json:"deletes"`
	Metadata      TransactionMeta  `json:"metadata"`
	User          string           `json:"user,omitempty"`
	LSN           string           `json:"lsn,omitempty"`
	SourceTxID    string           `json:"source_transaction_id,omitempty"`
}

type TransactionMeta struct {
	Hash string `json:"hash"`
}

type MerkleTreeBundle struct {
	Algorithm     string                  `json:"algorithm"`
	Root          string                  `json:"root"`
	Height        int                     `json:"height"`
	OriginalCount int                     `json:"original_count"`
	PaddedCount   int                     `json:"padded_count"`
	ProofIndex    map[string]ProofBundle  `json:"proof_index"`
}

type ProofBundle struct {
	LeafIndex        int      `json:"leaf_index"`
	ProofPath        []string `json:"proof_path"`
	SiblingPositions []string `json:"sibling_positions"`
}

type VerificationBundle struct {
	BatchSignature string              `json:"batch_signature"`
	AnchoringData  AnchoringDataBundle `json:"anchoring_data"`
}

type AnchoringDataBundle struct {
	TxHash      string `json:"tx_hash"`
	BlockHeight uint64 `json:"block_height"`
	GasUsed     uint64 `json:"gas_used"`
	EtrapFee    string `json:"etrap_fee"`
	TokenID     string `json:"token_id"`
}

// ToBundle converts a Batch to its JSON-serialisable wire form.
func (b *Batch) ToBundle() Bundle {
	txs := make([]TransactionBundle, len(b.Transactions))
	for i, t := range b.Transactions {
		txs[i] = TransactionBundle{
			TransactionID: t.ID,
			Timestamp:     t.TimestampMs,
			Operation:     string(t.Operation),
			Database:      t.Database,
			Table:         t.Table,
			Inserts:       t.Inserts,
			Updates:       t.Updates,
			Deletes:       t.Deletes,
			Metadata:      TransactionMeta{Hash: t.Hash},
			User:          t.User,
			LSN:           t.LSN,
			SourceTxID:    t.TransactionID,
		}
	}

	proofIndex := make(map[string]ProofBundle, len(b.ProofIndex))
	for k, p := range b.ProofIndex {
		proofIndex[k] = ProofBundle{
			LeafIndex:        p.LeafIndex,
			ProofPath:        p.ProofPath,
			SiblingPositions: p.SiblingPositions,
		}
	}

	return Bundle{
		BatchID:        b.ID,
		CreatedAt:      b.CreatedAtMs,
		OrganisationID: b.OrganisationID,
		Database:       b.Database,
		Table:          b.Table,
		Transactions:   txs,
		MerkleTree: MerkleTreeBundle{
			Algorithm:     "sha256",
			Root:          b.MerkleRoot,
			Height:        b.MerkleHeight,
			OriginalCount: b.MerkleOriginalSize,
			PaddedCount:   b.MerklePaddedSize,
			ProofIndex:    proofIndex,
		},
		Verification: VerificationBundle{
			BatchSignature: b.Verification.BatchSignature,
			AnchoringData: AnchoringDataBundle{
				TxHash:      b.Verification.AnchoringData.TxHash,
				BlockHeight: b.Verification.AnchoringData.BlockHeight,
				GasUsed:     b.Verification.AnchoringData.GasUsed,
				EtrapFee:    b.Verification.AnchoringData.EtrapFee,
				TokenID:     b.Verification.AnchoringData.TokenID,
			},
		},
	}
}

// IndexBundle is the JSON form of one auxiliary index file
// ({by_timestamp|by_operation|by_date}.json).
type IndexBundle map[string][]string

// ByTimestampBundle, ByOperationBundle, ByDateBundle render the three
// auxiliary indices in their JSON forms.
func (b *Batch) ByTimestampBundle() IndexBundle { return IndexBundle(b.Indices.ByTimestamp) }

func (b *Batch) ByOperationBundle() IndexBundle {
	out := make(IndexBundle, len(b.Indices.ByOperation))
	for op, ids := range b.Indices.ByOperation {
		out[string(op)] = ids
	}
	return out
}

func (b *Batch) ByDateBundle() IndexBundle { return IndexBundle(b.Indices.ByDate) }
