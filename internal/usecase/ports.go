package usecase

import (
	"context"
	"time"

	"github.com/example/blob-recognition/internal/callback"
	"github.com/example/blob-recognition/internal/domain"
)

// BlobRepository is the record store owned persistence of blob records.
//
// UpdateStatus is a compare-and-set: it only succeeds when the stored status
// is one of status.Predecessors(), and reports domain.ErrStatusTransitionNotAccepted
// otherwise or domain.ErrRecordNotFound for unknown blobs. UpdateStatusFrom
// narrows the accepted predecessors to from. Get returns nil and no error for
// unknown blobs.
type BlobRepository interface {
	Create(ctx context.Context, record *domain.BlobRecord) error
	UpdateStatus(ctx context.Context, blobID string, status domain.Status) error
	UpdateStatusFrom(ctx context.Context, blobID string, status domain.Status, from []domain.Status) error
	SaveLabels(ctx context.Context, blobID string, labels []domain.Label) error
	Get(ctx context.Context, blobID string) (*domain.BlobRecord, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)
}

// ObjectStore issues upload slots and reports whether a blob arrived.
type ObjectStore interface {
	GenerateUploadSlot(ctx context.Context, key string, ttl time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// WorkflowLauncher starts a named workflow for a blob and returns the
// execution id. Launching an existing execution again is a no-op.
type WorkflowLauncher interface {
	Launch(ctx context.Context, workflow, blobID string) (string, error)
}

// CallbackInvoker delivers a result to a callback url once.
type CallbackInvoker interface {
	Invoke(ctx context.Context, url string, body any) (callback.Outcome, error)
}
