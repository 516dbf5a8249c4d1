// Package batch defines the data model shared by the ingestion agent and
// the verifier (Change Event, Row Payload, Transaction Record, Batch,
// Merkle Tree) and the Batch Packager that assembles a Batch from a
// partition of events.
package batch

import "github.com/etrap/agent/pkg/decode"

// Operation is the kind of row mutation a Change Event describes.
type Operation string

const (
	OpInsert   Operation = "INSERT"
	OpUpdate   Operation = "UPDATE"
	OpDelete   Operation = "DELETE"
	OpSnapshot Operation = "SNAPSHOT"
)

// Source describes where a Change Event came from.
type Source struct {
	Database      string
	Schema        string
	Table         string
	LSN           string
	TransactionID string
	TimestampMs   int64
	User          string
}

// ChangeEvent is one row-level mutation observed on the source database.
type ChangeEvent struct {
	Operation Operation
	Key       map[string]decode.Value
	Before    map[string]decode.Value // nil if absent
	After     map[string]decode.Value // nil if absent
	Source    Source

	// StreamID/MessageID identify the broker message for acknowledgement
	// only; they carry no domain meaning.
	StreamID  string
	MessageID string
}

// RowPayload returns the decoded image this event's hash anchors: After for
// INSERT/UPDATE/SNAPSHOT, Before for DELETE.
func (e ChangeEvent) RowPayload() map[string]decode.Value {
	if e.Operation == OpDelete {
		return e.Before
	}
	return e.After
}

// Valid checks the structural invariant: INSERT/SNAPSHOT have After only,
// DELETE has Before only, UPDATE has both.
func (e ChangeEvent) Valid() bool {
	switch e.Operation {
	case OpInsert, OpSnapshot:
		return e.After != nil && e.Before == nil
	case OpDelete:
		return e.Before != nil && e.After == nil
	case OpUpdate:
		return e.Before != nil && e.After != nil
	default:
		return false
	}
}

// TransactionRecord is a per-event entry in a packaged batch. It never
// stores row data, only the hash and bookkeeping fields.
type TransactionRecord struct {
	ID            string // "{batchId}-{index}"
	TimestampMs   int64
	Operation     Operation
	Database      string
	Table         string
	Inserts       int
	Updates       int
	Deletes       int
	Hash          string // Transaction Hash: hex sha256 of the canonical Row Payload
	User          string
	LSN           string
	TransactionID string
	StoragePath   string
}

// AnchoringData is the on-chain outcome of minting a batch's token. It is
// zeroed until a successful mint fills it in.
type AnchoringData struct {
	TxHash      string
	BlockHeight uint64
	GasUsed     uint64
	EtrapFee    string
	TokenID     string
}

// IsZero reports whether the anchoring data has never been filled in.
func (a AnchoringData) IsZero() bool {
	return a.TxHash == "" && a.BlockHeight == 0
}

// Verification is the batch's verification block.
type Verification struct {
	BatchSignature string // sha256(batchId || merkleRoot)
	AnchoringData  AnchoringData
}

// Indices are the auxiliary lookup tables built alongside a batch.
type Indices struct {
	ByTimestamp map[string][]string // decimal ms string -> transaction ids
	ByOperation map[Operation][]string
	ByDate      map[string][]string // YYYY-MM-DD -> transaction ids
}

// Batch is one packaging unit scoped to a single (database, table).
type Batch struct {
	ID                 string
	CreatedAtMs        int64
	OrganisationID     string
	Database           string
	Table              string
	Transactions       []TransactionRecord
	MerkleRoot         string
	MerkleHeight       int
	MerkleOriginalSize int
	MerklePaddedSize   int
	ProofIndex         map[string]MerkleProof
	Indices            Indices
	Verification       Verification
}

// MerkleProof mirrors pkg/merkle.Proof in a form suitable for the bundle
// schema (string-keyed, storage-friendly).
type MerkleProof struct {
	LeafIndex        int
	ProofPath        []string
	SiblingPositions []string
}
