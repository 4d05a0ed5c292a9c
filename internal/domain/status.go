package domain

import "fmt"

// Status is the lifecycle state of a blob's recognition record.
type Status string

const (
	StatusWaitingForUpload         Status = "waiting-for-upload"
	StatusUploadTimedOut           Status = "upload-timed-out"
	StatusInProgress               Status = "in-progress"
	StatusInvalidBlobUploaded      Status = "invalid-blob-has-been-uploaded"
	StatusTooLargeBlobUploaded     Status = "too-large-blob-has-been-uploaded"
	StatusSuccess                  Status = "success"
	StatusFailedCallbackFailure    Status = "failed-due-to-callback-failure"
	StatusFailedCallbackTimeout    Status = "failed-due-to-callback-time-out"
	StatusFailedCallbackConnection Status = "failed-due-to-callback-connection"
	StatusUnexpectedError          Status = "unexpected-error"

	// StatusNotFound is reported for unknown blobs and is never persisted.
	StatusNotFound Status = "not-found"
)

// PersistedStatuses lists every status a record can hold.
var PersistedStatuses = []Status{
	StatusWaitingForUpload,
	StatusUploadTimedOut,
	StatusInProgress,
	StatusInvalidBlobUploaded,
	StatusTooLargeBlobUploaded,
	StatusSuccess,
	StatusFailedCallbackFailure,
	StatusFailedCallbackTimeout,
	StatusFailedCallbackConnection,
	StatusUnexpectedError,
}

var transitions = map[Status][]Status{
	StatusWaitingForUpload: {
		StatusUploadTimedOut,
		StatusInProgress,
		StatusUnexpectedError,
	},
	StatusInProgress: {
		StatusInvalidBlobUploaded,
		StatusTooLargeBlobUploaded,
		StatusSuccess,
		StatusFailedCallbackFailure,
		StatusFailedCallbackTimeout,
		StatusFailedCallbackConnection,
		StatusUnexpectedError,
	},
}

// ParseStatus converts a stored value into a Status.
func ParseStatus(value string) (Status, error) {
	s := Status(value)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown recognition status %q", value)
	}
	return s, nil
}

// IsValid reports whether the status may be persisted.
func (s Status) IsValid() bool {
	for _, candidate := range PersistedStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s.IsValid() && len(transitions[s]) == 0
}

// HasLabels reports whether records in this status carry computed labels.
func (s Status) HasLabels() bool {
	switch s {
	case StatusSuccess, StatusFailedCallbackFailure, StatusFailedCallbackTimeout, StatusFailedCallbackConnection:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Predecessors returns the statuses from which s may be entered. The record
// stores use it as the condition of a compare-and-set status write.
func (s Status) Predecessors() []Status {
	var from []Status
	for _, candidate := range PersistedStatuses {
		if candidate.CanTransitionTo(s) {
			from = append(from, candidate)
		}
	}
	return from
}

// Restrict keeps the statuses of from that may legally move to s.
func (s Status) Restrict(from []Status) []Status {
	var kept []Status
	for _, candidate := range from {
		if candidate.CanTransitionTo(s) {
			kept = append(kept, candidate)
		}
	}
	return kept
}

func (s Status) String() string {
	return string(s)
}
