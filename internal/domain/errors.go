package domain

import (
	"errors"
	"fmt"
)

// Sentinel kinds for classified failures. Match them with errors.Is.
var (
	ErrCallbackURLIsNotValid       = errors.New("callback url is not valid")
	ErrBlobWasNotFound             = errors.New("blob was not found")
	ErrBlobIsNotUploadedYet        = errors.New("blob is not uploaded yet")
	ErrBlobUploadTimedOut          = errors.New("blob upload timed out")
	ErrBlobRecognitionInProgress   = errors.New("blob recognition is in progress")
	ErrInvalidBlobUploaded         = errors.New("invalid blob has been uploaded")
	ErrTooLargeBlobUploaded        = errors.New("too large blob has been uploaded")
	ErrRecognitionStepFailed       = errors.New("recognition step has been failed")
	ErrUnexpectedErrorOccurred     = errors.New("unexpected error occurred")
	ErrStatusTransitionNotAccepted = errors.New("status transition not accepted")
	ErrRecordNotFound              = errors.New("record not found")
)

// Payload carries machine readable context of a classified failure.
type Payload map[string]string

// Error is a classified failure with a human readable description.
type Error struct {
	Kind        error
	Description string
	Payload     Payload
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Description
}

// Unwrap exposes the kind so errors.Is matches the sentinel.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Kind
}

// AsError extracts a classified failure from err.
func AsError(err error) (*Error, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified, true
	}
	return nil, false
}

func statusPayload(blobID string, status Status) Payload {
	return Payload{"blob_id": blobID, "status": status.String()}
}

// NewCallbackURLIsNotValid rejects the supplied callback url.
func NewCallbackURLIsNotValid(callbackURL string) *Error {
	return &Error{
		Kind:        ErrCallbackURLIsNotValid,
		Description: "Invalid callback url supplied",
		Payload:     Payload{"callback_url": callbackURL},
	}
}

// NewBlobWasNotFound reports an unknown blob.
func NewBlobWasNotFound(blobID string) *Error {
	return &Error{
		Kind:        ErrBlobWasNotFound,
		Description: "Blob not found.",
		Payload:     statusPayload(blobID, StatusNotFound),
	}
}

// NewInvalidBlobUploaded reports a blob the detector could not decode.
func NewInvalidBlobUploaded(blobID string, status Status) *Error {
	return &Error{
		Kind:        ErrInvalidBlobUploaded,
		Description: "Invalid image format has been uploaded.",
		Payload:     statusPayload(blobID, status),
	}
}

// NewTooLargeBlobUploaded reports a blob over the detector's size limits.
func NewTooLargeBlobUploaded(blobID string, status Status) *Error {
	return &Error{
		Kind:        ErrTooLargeBlobUploaded,
		Description: "Too large image has been uploaded.",
		Payload:     statusPayload(blobID, status),
	}
}

// NewRecognitionStepFailed signals that the chain must halt after a step
// classified the blob itself as unprocessable.
func NewRecognitionStepFailed(blobID string, status Status, cause error) *Error {
	description := "Recognition step has been failed."
	if cause != nil {
		description = fmt.Sprintf("Recognition step has been failed: %v", cause)
	}
	return &Error{
		Kind:        ErrRecognitionStepFailed,
		Description: description,
		Payload:     statusPayload(blobID, status),
	}
}

// ResultError maps a record status that hides the result onto its failure.
// It returns nil for statuses whose labels are readable.
func ResultError(blobID string, status Status) *Error {
	switch status {
	case StatusWaitingForUpload:
		return &Error{Kind: ErrBlobIsNotUploadedYet, Description: "Blob hasn't been uploaded yet.", Payload: statusPayload(blobID, status)}
	case StatusUploadTimedOut:
		return &Error{Kind: ErrBlobUploadTimedOut, Description: "Blob upload is timed out.", Payload: statusPayload(blobID, status)}
	case StatusInProgress:
		return &Error{Kind: ErrBlobRecognitionInProgress, Description: "Recognition is in progress.", Payload: statusPayload(blobID, status)}
	case StatusInvalidBlobUploaded:
		return NewInvalidBlobUploaded(blobID, status)
	case StatusTooLargeBlobUploaded:
		return NewTooLargeBlobUploaded(blobID, status)
	case StatusUnexpectedError:
		return &Error{Kind: ErrUnexpectedErrorOccurred, Description: "Unexpected error occurred while recognition.", Payload: statusPayload(blobID, status)}
	case StatusNotFound:
		return NewBlobWasNotFound(blobID)
	case StatusSuccess, StatusFailedCallbackFailure, StatusFailedCallbackTimeout, StatusFailedCallbackConnection:
		return nil
	}
	return &Error{
		Kind:        ErrUnexpectedErrorOccurred,
		Description: fmt.Sprintf("Unknown recognition status %q.", status),
		Payload:     statusPayload(blobID, status),
	}
}
