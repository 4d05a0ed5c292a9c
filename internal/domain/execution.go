package domain

import "strings"

// Workflow names launched for a blob.
const (
	WorkflowUploadTracking = "upload-tracking"
	WorkflowRecognition    = "recognition"
)

// ExecutionID builds the engine execution id for a workflow run over a blob.
// One execution per workflow and blob keeps launches idempotent.
func ExecutionID(workflow, blobID string) string {
	return workflow + "-" + blobID
}

// BlobIDFromExecution resolves the blob id an execution was launched for.
// Ids without a known workflow prefix are taken to be blob ids.
func BlobIDFromExecution(executionID string) (string, bool) {
	_, blobID, ok := ParseExecutionID(executionID)
	return blobID, ok
}

// ParseExecutionID splits an execution id into its workflow and blob id. The
// workflow is empty for bare blob ids.
func ParseExecutionID(executionID string) (workflow, blobID string, ok bool) {
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return "", "", false
	}
	for _, name := range []string{WorkflowRecognition, WorkflowUploadTracking} {
		if id, found := strings.CutPrefix(executionID, name+"-"); found {
			return name, id, id != ""
		}
	}
	return "", executionID, true
}
