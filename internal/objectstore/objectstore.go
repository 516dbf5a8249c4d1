// Package objectstore persists a packaged batch bundle at a
// content-addressed path. The concrete backend is a local/NFS filesystem
// tree, chosen because no object-storage SDK exists anywhere in the
// reference corpus this module draws on (see DESIGN.md); the BundleStore
// interface keeps the Batch Packager decoupled from that choice so a
// networked backend can be substituted later.
package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/etrap/agent/internal/batch"
	apperrors "github.com/etrap/agent/pkg/errors"
	"github.com/etrap/agent/pkg/logging"
)

// BundleStore is the interface the Batch Packager and Verifier depend on.
type BundleStore interface {
	WriteBundle(ctx context.Context, b *batch.Batch) error
	ReadBundle(ctx context.Context, database, table, batchID string) (*batch.Bundle, error)
}

// FilesystemStore implements BundleStore against a local directory tree,
// laid out exactly as §4.F/§6 specify:
// {root}/{database}/{table}/{batchId}/batch-data.json etc.
type FilesystemStore struct {
	Root   string
	Bucket string // bucket-equivalent name recorded in batch_summary.s3_bucket
	logger *logging.Logger
}

// NewFilesystemStore creates a store rooted at root. bucket is the
// bucket-equivalent name recorded in the public batch_summary contract.
func NewFilesystemStore(root, bucket string, logger *logging.Logger) *FilesystemStore {
	return &FilesystemStore{Root: root, Bucket: bucket, logger: logger}
}

// WriteBundle writes batch-data.json, merkle-tree.json, and the three
// index files. Each object write is independent and atomic via
// write-to-temp-then-rename; failure of one does not undo the others, and
// all failures are reported but only a failed batch-data.json write is
// treated as losing the bundle for this flush.
func (s *FilesystemStore) WriteBundle(ctx context.Context, b *batch.Batch) error {
	dir := s.batchDir(b.Database, b.Table, b.ID)
	if err := os.MkdirAll(filepath.Join(dir, "indices"), 0o755); err != nil {
		return apperrors.StorageWrapWithCode(err, apperrors.OpSet, apperrors.StorageErrWrite, "failed to create batch directory")
	}

	bundle := b.ToBundle()

	var writeErrs []error

	if err := s.writeJSON(filepath.Join(dir, "batch-data.json"), bundle); err != nil {
		writeErrs = append(writeErrs, fmt.Errorf("batch-data.json: %w", err))
	}
	if err := s.writeJSON(filepath.Join(dir, "merkle-tree.json"), bundle.MerkleTree); err != nil {
		writeErrs = append(writeErrs, fmt.Errorf("merkle-tree.json: %w", err))
	}
	if err := s.writeJSON(filepath.Join(dir, "indices", "by_timestamp.json"), b.ByTimestampBundle()); err != nil {
		writeErrs = append(writeErrs, fmt.Errorf("indices/by_timestamp.json: %w", err))
	}
	if err := s.writeJSON(filepath.Join(dir, "indices", "by_operation.json"), b.ByOperationBundle()); err != nil {
		writeErrs = append(writeErrs, fmt.Errorf("indices/by_operation.json: %w", err))
	}
	if err := s.writeJSON(filepath.Join(dir, "indices", "by_date.json"), b.ByDateBundle()); err != nil {
		writeErrs = append(writeErrs, fmt.Errorf("indices/by_date.json: %w", err))
	}

	for _, e := range writeErrs {
		s.logger.Error("object store write failed", "batch_id", b.ID, "error", e)
	}

	for _, e := range writeErrs {
		if isBatchDataErr(e) {
			return apperrors.NewBatchError(apperrors.BatchErrBundleLost, "batch-data.json write failed, bundle considered lost for this flush", e)
		}
	}

	return nil
}

func isBatchDataErr(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "batch-data.json")
}

// ReadBundle reads batch-data.json back for a given (database, table,
// batchID).
func (s *FilesystemStore) ReadBundle(ctx context.Context, database, table, batchID string) (*batch.Bundle, error) {
	path := filepath.Join(s.batchDir(database, table, batchID), "batch-data.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.StorageWrapWithCode(err, apperrors.OpGet, apperrors.StorageErrNotFound, "bundle not found")
		}
		return nil, apperrors.StorageWrapWithCode(err, apperrors.OpGet, apperrors.StorageErrRead, "failed to read bundle")
	}

	var bundle batch.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, apperrors.StorageWrapWithCode(err, apperrors.OpGet, apperrors.StorageErrDeserialization, "failed to decode bundle")
	}
	return &bundle, nil
}

// Key returns the content-addressed key prefix for a batch, matching the
// public s3_key contract shape (forward-slash separated, trailing slash).
func (s *FilesystemStore) Key(database, table, batchID string) string {
	return fmt.Sprintf("%s/%s/%s/", database, table, batchID)
}

func (s *FilesystemStore) batchDir(database, table, batchID string) string {
	return filepath.Join(s.Root, database, table, batchID)
}

// writeJSON pretty-prints v and writes it atomically: a temp file in the
// same directory followed by os.Rename, which is atomic on POSIX
// filesystems and is this store's substitute for an object store's
// per-object PUT atomicity.
func (s *FilesystemStore) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
