package logging

import "fmt"

// OperationError annotates an infrastructure error with the failing operation
// and the blob it was performed for.
type OperationError struct {
	Operation string
	BlobID    string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.BlobID != "" {
		return fmt.Sprintf("%s (blob_id=%s): %v", e.Operation, e.BlobID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with the operation and blob id. A nil err stays nil.
func NewOperationError(operation, blobID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, BlobID: blobID, Err: err}
}
