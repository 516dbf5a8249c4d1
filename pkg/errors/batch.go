// pkg/errors/batch.go
package errors

// Batch error codes
const (
	BatchErrPackage    = "BATCH_PACKAGE"
	BatchErrMerkle     = "BATCH_MERKLE"
	BatchErrWrite      = "BATCH_WRITE"
	BatchErrBundleLost = "BATCH_BUNDLE_LOST"
)

// Batch domain name
const BatchDomain = "batch"

// Batch operations
const (
	OpPack       = "Pack"
	OpBuildTree  = "BuildTree"
	OpWriteFile  = "WriteFile"
)

// NewBatchError creates a new batch error
func NewBatchError(code string, message string, err error) error {
	return &Error{
		Domain:   BatchDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// BatchWrap wraps an error with the batch domain
func BatchWrap(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Domain:    BatchDomain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsBatchError checks if an error is a batch error with the given code
func IsBatchError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == BatchDomain && domainErr.Code == code
	}
	return false
}
