// pkg/errors/ingest.go
package errors

// Ingest error codes
const (
	IngestErrMalformed     = "INGEST_MALFORMED"
	IngestErrMissingBefore = "INGEST_MISSING_BEFORE"
	IngestErrBrokerRead    = "INGEST_BROKER_READ"
	IngestErrAck           = "INGEST_ACK"
)

// Ingest domain name
const IngestDomain = "ingest"

// Ingest operations
const (
	OpParseEvent  = "ParseEvent"
	OpReadStream  = "ReadStream"
	OpAckMessage  = "AckMessage"
	OpDecodeValue = "DecodeValue"
)

// NewIngestError creates a new ingest error
func NewIngestError(code string, message string, err error) error {
	return &Error{
		Domain:   IngestDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// IngestWrap wraps an error with the ingest domain
func IngestWrap(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Domain:    IngestDomain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsIngestError checks if an error is an ingest error with the given code
func IsIngestError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == IngestDomain && domainErr.Code == code
	}
	return false
}
