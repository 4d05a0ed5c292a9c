package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/blob-recognition/internal/domain"
	"github.com/example/blob-recognition/internal/logging"
)

func TestGetResultClassifiesHiddenStatuses(t *testing.T) {
	cases := map[domain.Status]struct {
		kind        error
		description string
	}{
		domain.StatusWaitingForUpload:     {domain.ErrBlobIsNotUploadedYet, "Blob hasn't been uploaded yet."},
		domain.StatusUploadTimedOut:       {domain.ErrBlobUploadTimedOut, "Blob upload is timed out."},
		domain.StatusInProgress:           {domain.ErrBlobRecognitionInProgress, "Recognition is in progress."},
		domain.StatusInvalidBlobUploaded:  {domain.ErrInvalidBlobUploaded, "Invalid image format has been uploaded."},
		domain.StatusTooLargeBlobUploaded: {domain.ErrTooLargeBlobUploaded, "Too large image has been uploaded."},
		domain.StatusUnexpectedError:      {domain.ErrUnexpectedErrorOccurred, "Unexpected error occurred while recognition."},
	}

	for status, tc := range cases {
		repo := newMemoryRepository(nil)
		repo.put(domain.BlobRecord{BlobID: "blob-1", Status: status})
		reader := NewResultReader(repo, nil, 0, zap.NewNop())

		_, err := reader.GetResult(context.Background(), "blob-1")
		if !errors.Is(err, tc.kind) {
			t.Fatalf("%s: expected %v, got %v", status, tc.kind, err)
		}
		classified, _ := domain.AsError(err)
		if classified.Description != tc.description {
			t.Fatalf("%s: unexpected description %q", status, classified.Description)
		}
		if classified.Payload["blob_id"] != "blob-1" || classified.Payload["status"] != status.String() {
			t.Fatalf("%s: unexpected payload %v", status, classified.Payload)
		}
	}
}

func TestGetResultNotFound(t *testing.T) {
	reader := NewResultReader(newMemoryRepository(nil), nil, 0, zap.NewNop())

	_, err := reader.GetResult(context.Background(), "missing")
	if !errors.Is(err, domain.ErrBlobWasNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	classified, _ := domain.AsError(err)
	if classified.Description != "Blob not found." {
		t.Fatalf("unexpected description %q", classified.Description)
	}
	want := domain.Payload{"blob_id": "missing", "status": "not-found"}
	if classified.Payload["blob_id"] != want["blob_id"] || classified.Payload["status"] != want["status"] {
		t.Fatalf("unexpected payload %v", classified.Payload)
	}
}

func TestGetResultCachesFinishedResult(t *testing.T) {
	repo := newMemoryRepository(nil)
	repo.put(domain.BlobRecord{BlobID: "blob-1", Status: domain.StatusFailedCallbackTimeout})
	cache := &stubCache{getErrs: []error{redis.Nil}}
	reader := NewResultReader(repo, cache, 0, zap.NewNop())

	result, err := reader.GetResult(context.Background(), "blob-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Labels == nil || len(result.Labels) != 0 {
		t.Fatalf("expected empty labels, got %#v", result.Labels)
	}
	if len(cache.getKeys) != 1 {
		t.Fatalf("expected a single cache read on miss, got %d", len(cache.getKeys))
	}
	if len(cache.setKeys) != 1 || cache.setKeys[0] != "recognition:blob-1" {
		t.Fatalf("expected result to be cached, got %v", cache.setKeys)
	}
}

func TestGetResultServesCacheHit(t *testing.T) {
	repo := newMemoryRepository(nil)
	payload, _ := json.Marshal(RecognitionResult{BlobID: "blob-1", Labels: []domain.Label{{Label: "cat", Confidence: 90, Parents: []string{}}}})
	cache := &stubCache{getValues: []string{string(payload)}}
	reader := NewResultReader(repo, cache, 0, zap.NewNop())

	result, err := reader.GetResult(context.Background(), "blob-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Labels[0].Label != "cat" {
		t.Fatalf("unexpected result %+v", result)
	}
	if repo.getCalls != 0 {
		t.Fatalf("expected store to be skipped, got %d reads", repo.getCalls)
	}
}

func TestGetResultDoesNotCacheHiddenStatus(t *testing.T) {
	repo := newMemoryRepository(nil)
	repo.put(domain.BlobRecord{BlobID: "blob-1", Status: domain.StatusInProgress})
	cache := &stubCache{getErrs: []error{redis.Nil}}
	reader := NewResultReader(repo, cache, 0, zap.NewNop())

	if _, err := reader.GetResult(context.Background(), "blob-1"); err == nil {
		t.Fatal("expected in-progress error")
	}
	if len(cache.setKeys) != 0 {
		t.Fatalf("expected nothing cached, got %v", cache.setKeys)
	}
}

func TestGetResultRetriesTransientCacheErrors(t *testing.T) {
	repo := newMemoryRepository(nil)
	repo.put(domain.BlobRecord{BlobID: "blob-1", Status: domain.StatusSuccess})
	cache := &stubCache{getErrs: []error{transientError{}, redis.Nil}, setErrs: []error{transientError{}}}
	reader := NewResultReader(repo, cache, 0, zap.NewNop())
	reader.retry.initialBackoff = 0

	if _, err := reader.GetResult(context.Background(), "blob-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cache.getKeys) != 2 {
		t.Fatalf("expected a retried cache read, got %d", len(cache.getKeys))
	}
	if len(cache.setKeys) != 2 {
		t.Fatalf("expected a retried cache write, got %d", len(cache.setKeys))
	}
}

func TestGetResultWrapsStoreFailure(t *testing.T) {
	repo := newMemoryRepository(nil)
	repo.getErr = errors.New("connection refused")
	reader := NewResultReader(repo, nil, 0, zap.NewNop())

	_, err := reader.GetResult(context.Background(), "blob-1")
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "result_reader.get_record" {
		t.Fatalf("expected OperationError, got %v", err)
	}
	if _, ok := domain.AsError(err); ok {
		t.Fatal("infrastructure errors must stay unclassified")
	}
}

func TestGetStatusSummary(t *testing.T) {
	repo := newMemoryRepository(nil)
	repo.put(domain.BlobRecord{BlobID: "a", Status: domain.StatusSuccess})
	repo.put(domain.BlobRecord{BlobID: "b", Status: domain.StatusFailedCallbackFailure})
	repo.put(domain.BlobRecord{BlobID: "c", Status: domain.StatusWaitingForUpload})
	reader := NewResultReader(repo, nil, 0, zap.NewNop())

	summary, err := reader.GetStatusSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Total != 3 || summary.Recognized != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.CallbackDeliveryRate != 0.5 {
		t.Fatalf("unexpected delivery rate %v", summary.CallbackDeliveryRate)
	}
	if summary.ByStatus["waiting-for-upload"] != 1 {
		t.Fatalf("unexpected counts %v", summary.ByStatus)
	}
}
