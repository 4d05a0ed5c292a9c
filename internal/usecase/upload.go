package usecase

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/blob-recognition/internal/domain"
	"github.com/example/blob-recognition/internal/logging"
	"github.com/example/blob-recognition/internal/metrics"
)

var allowedCallbackSchemes = []string{"http", "https"}

// UploadInitializingResult describes an issued upload slot.
type UploadInitializingResult struct {
	BlobID      string `json:"blob_id"`
	UploadURL   string `json:"upload_url"`
	CallbackURL string `json:"callback_url"`
}

// UploadGate registers new blobs and hands out upload slots.
type UploadGate struct {
	repo     BlobRepository
	store    ObjectStore
	launcher WorkflowLauncher
	metrics  *metrics.Metrics
	logger   *zap.Logger
	slotTTL  time.Duration
	newID    func() string
}

// NewUploadGate constructs an upload gate issuing slots valid for slotTTL.
func NewUploadGate(repo BlobRepository, store ObjectStore, launcher WorkflowLauncher, m *metrics.Metrics, slotTTL time.Duration, logger *zap.Logger) *UploadGate {
	return &UploadGate{
		repo:     repo,
		store:    store,
		launcher: launcher,
		metrics:  m,
		logger:   logger.Named("upload_gate"),
		slotTTL:  slotTTL,
		newID:    uuid.NewString,
	}
}

// InitiateUpload validates callbackURL, creates a record waiting for upload,
// starts upload tracking and issues the upload slot, in that order.
func (g *UploadGate) InitiateUpload(ctx context.Context, callbackURL string) (*UploadInitializingResult, error) {
	callbackURL = strings.TrimSpace(callbackURL)
	if !isValidCallbackURL(callbackURL) {
		return nil, domain.NewCallbackURLIsNotValid(callbackURL)
	}

	blobID := g.newID()
	opLogger := logging.WithOperation(g.logger, "upload_gate.initiate", blobID)

	now := time.Now().UTC()
	record := &domain.BlobRecord{
		BlobID:      blobID,
		CallbackURL: callbackURL,
		Status:      domain.StatusWaitingForUpload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.repo.Create(ctx, record); err != nil {
		opLogger.Error("failed to create blob record", zap.Error(err))
		return nil, logging.NewOperationError("upload_gate.create_record", blobID, err)
	}

	executionID, err := g.launcher.Launch(ctx, domain.WorkflowUploadTracking, blobID)
	if err != nil {
		opLogger.Error("failed to launch upload tracking", zap.Error(err))
		return nil, logging.NewOperationError("upload_gate.launch_tracking", blobID, err)
	}

	uploadURL, err := g.store.GenerateUploadSlot(ctx, blobID, g.slotTTL)
	if err != nil {
		opLogger.Error("failed to issue upload slot", zap.Error(err))
		return nil, logging.NewOperationError("upload_gate.upload_slot", blobID, err)
	}

	g.metrics.UploadInitiated()
	opLogger.Info("upload slot issued", zap.String("execution_id", executionID), zap.Duration("ttl", g.slotTTL))
	return &UploadInitializingResult{
		BlobID:      blobID,
		UploadURL:   uploadURL,
		CallbackURL: callbackURL,
	}, nil
}

func isValidCallbackURL(raw string) bool {
	if raw == "" || strings.ContainsAny(raw, " \t\r\n") {
		return false
	}
	parsed, err := url.Parse(raw)
	if err != nil || !parsed.IsAbs() || parsed.Hostname() == "" {
		return false
	}
	for _, scheme := range allowedCallbackSchemes {
		if parsed.Scheme == scheme {
			return true
		}
	}
	return false
}

// Watchdog times out uploads that did not arrive within the waiting window.
type Watchdog struct {
	repo    BlobRepository
	store   ObjectStore
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewWatchdog constructs an upload watchdog.
func NewWatchdog(repo BlobRepository, store ObjectStore, m *metrics.Metrics, logger *zap.Logger) *Watchdog {
	return &Watchdog{repo: repo, store: store, metrics: m, logger: logger.Named("upload_watchdog")}
}

// CheckUploading leaves an uploaded blob alone and moves a missing one to
// upload-timed-out. The transition only applies to records still waiting for
// upload, so a recognition that already started is never clobbered.
func (w *Watchdog) CheckUploading(ctx context.Context, blobID string) error {
	opLogger := logging.WithOperation(w.logger, "watchdog.check_uploading", blobID)

	uploaded, err := w.store.Exists(ctx, blobID)
	if err != nil {
		return logging.NewOperationError("watchdog.exists", blobID, err)
	}
	if uploaded {
		opLogger.Debug("blob uploaded in time")
		return nil
	}

	err = w.repo.UpdateStatus(ctx, blobID, domain.StatusUploadTimedOut)
	switch {
	case err == nil:
		w.metrics.StatusChanged(domain.StatusUploadTimedOut)
		opLogger.Info("upload timed out")
		return nil
	case errors.Is(err, domain.ErrStatusTransitionNotAccepted):
		opLogger.Info("record already left waiting state, timeout skipped")
		return nil
	default:
		return logging.NewOperationError("watchdog.update_status", blobID, err)
	}
}
