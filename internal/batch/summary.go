package batch

import "encoding/json"

// Summary is the batch_summary contract surface of §6, passed to
// mint_batch and returned by get_batch_summary.
type Summary struct {
	DatabaseName     string           `json:"database_name"`
	TableNames       []string         `json:"table_names"`
	TimestampMs      int64            `json:"timestamp"`
	TxCount          int              `json:"tx_count"`
	MerkleRoot       string           `json:"merkle_root"`
	S3Bucket         string           `json:"s3_bucket"`
	S3Key            string           `json:"s3_key"`
	SizeBytes        int              `json:"size_bytes"`
	OperationCounts  OperationCounts  `json:"operation_counts"`
}

type OperationCounts struct {
	Inserts int `json:"inserts"`
	Updates int `json:"updates"`
	Deletes int `json:"deletes"`
}

// BuildSummary assembles the batch_summary for a packaged batch. bucket and
// key come from the object store's naming of the bundle; sizeBytes is the
// approximate size of the serialised bundle.
func (b *Batch) BuildSummary(bucket, key string, sizeBytes int) Summary {
	minTs := b.Transactions[0].TimestampMs
	var counts OperationCounts
	for _, t := range b.Transactions {
		if t.TimestampMs < minTs {
			minTs = t.TimestampMs
		}
		counts.Inserts += t.Inserts
		counts.Updates += t.Updates
		counts.Deletes += t.Deletes
	}

	return Summary{
		DatabaseName:    b.Database,
		TableNames:      []string{b.Table},
		TimestampMs:     minTs,
		TxCount:         len(b.Transactions),
		MerkleRoot:      b.MerkleRoot,
		S3Bucket:        bucket,
		S3Key:           key,
		SizeBytes:       sizeBytes,
		OperationCounts: counts,
	}
}

// TokenMetadata is the token_metadata contract surface of §6.
type TokenMetadata struct {
	Reference string `json:"reference"`
}

// MarshalSummary and MarshalTokenMetadata render the two structures as the
// JSON strings the chain contract's ABI expects (both are passed as
// opaque strings per §6's mint_batch signature).
func MarshalSummary(s Summary) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func MarshalTokenMetadata(m TokenMetadata) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
