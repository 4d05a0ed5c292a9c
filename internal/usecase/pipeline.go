package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/blob-recognition/internal/callback"
	"github.com/example/blob-recognition/internal/detector"
	"github.com/example/blob-recognition/internal/domain"
	"github.com/example/blob-recognition/internal/logging"
	"github.com/example/blob-recognition/internal/metrics"
)

// DetectionResult is the output of GetLabels.
type DetectionResult struct {
	BlobID string              `json:"blob_id"`
	Labels domain.RawDetection `json:"labels"`
}

// LabelsResult is the output of TransformLabels, SaveLabels and InvokeCallback.
type LabelsResult struct {
	BlobID string         `json:"blob_id"`
	Labels []domain.Label `json:"labels"`
}

// Pipeline holds the recognition steps. Each step is invoked on its own by
// the workflow engine and may be retried individually.
type Pipeline struct {
	repo     BlobRepository
	detector detector.Client
	invoker  CallbackInvoker
	launcher WorkflowLauncher
	metrics  *metrics.Metrics
	logger   *zap.Logger
	retry    retryPolicy
}

// NewPipeline constructs the recognition steps.
func NewPipeline(repo BlobRepository, labels detector.Client, invoker CallbackInvoker, launcher WorkflowLauncher, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		repo:     repo,
		detector: labels,
		invoker:  invoker,
		launcher: launcher,
		metrics:  m,
		logger:   logger.Named("recognition_pipeline"),
		retry:    defaultRetryPolicy(),
	}
}

// StartRecognition marks an uploaded blob as in progress and launches the
// recognition workflow. Uploads for blobs that are no longer waiting, such as
// timed out ones, are ignored.
func (p *Pipeline) StartRecognition(ctx context.Context, blobID string) error {
	opLogger := logging.WithOperation(p.logger, "pipeline.start_recognition", blobID)

	err := p.repo.UpdateStatus(ctx, blobID, domain.StatusInProgress)
	switch {
	case err == nil:
		p.metrics.StatusChanged(domain.StatusInProgress)
	case errors.Is(err, domain.ErrRecordNotFound):
		opLogger.Warn("upload for unknown blob ignored")
		return nil
	case errors.Is(err, domain.ErrStatusTransitionNotAccepted):
		record, getErr := p.repo.Get(ctx, blobID)
		if getErr != nil {
			return logging.NewOperationError("pipeline.get_record", blobID, getErr)
		}
		if record == nil || record.Status != domain.StatusInProgress {
			opLogger.Info("upload for blob that is not waiting ignored")
			return nil
		}
		opLogger.Info("recognition already started, relaunching")
	default:
		return logging.NewOperationError("pipeline.update_status", blobID, err)
	}

	executionID, err := p.launcher.Launch(ctx, domain.WorkflowRecognition, blobID)
	if err != nil {
		return logging.NewOperationError("pipeline.launch_recognition", blobID, err)
	}
	opLogger.Info("recognition launched", zap.String("execution_id", executionID))
	return nil
}

// GetLabels runs label detection. A blob rejected by the detector moves to
// its terminal status and the step fails with domain.ErrRecognitionStepFailed.
func (p *Pipeline) GetLabels(ctx context.Context, blobID string) (*DetectionResult, error) {
	raw, err := p.detector.DetectLabels(ctx, blobID)
	if err == nil {
		return &DetectionResult{BlobID: blobID, Labels: *raw}, nil
	}

	var status domain.Status
	switch {
	case errors.Is(err, detector.ErrInvalidImageFormat):
		status = domain.StatusInvalidBlobUploaded
	case errors.Is(err, detector.ErrImageTooLarge):
		status = domain.StatusTooLargeBlobUploaded
	default:
		return nil, logging.NewOperationError("pipeline.detect_labels", blobID, err)
	}

	if err := p.advance(ctx, blobID, status); err != nil {
		return nil, err
	}
	logging.WithOperation(p.logger, "pipeline.get_labels", blobID).Info("blob rejected by detector", zap.Stringer("status", status), zap.Error(err))
	return nil, domain.NewRecognitionStepFailed(blobID, status, err)
}

// TransformLabels normalizes raw detections. It never fails.
func (p *Pipeline) TransformLabels(blobID string, raw domain.RawDetection) *LabelsResult {
	return &LabelsResult{BlobID: blobID, Labels: domain.NormalizeLabels(raw)}
}

// SaveLabels persists labels on the record without touching its status.
func (p *Pipeline) SaveLabels(ctx context.Context, blobID string, labels []domain.Label) (*LabelsResult, error) {
	if labels == nil {
		labels = []domain.Label{}
	}
	if err := p.repo.SaveLabels(ctx, blobID, labels); err != nil {
		return nil, logging.NewOperationError("pipeline.save_labels", blobID, err)
	}
	return &LabelsResult{BlobID: blobID, Labels: labels}, nil
}

// InvokeCallback posts the labels to the record's callback url once and
// stores the classified delivery outcome as the final status. A record that
// is no longer in progress was already delivered and is not posted again.
func (p *Pipeline) InvokeCallback(ctx context.Context, blobID string, labels []domain.Label) (*LabelsResult, error) {
	opLogger := logging.WithOperation(p.logger, "pipeline.invoke_callback", blobID)
	if labels == nil {
		labels = []domain.Label{}
	}
	result := &LabelsResult{BlobID: blobID, Labels: labels}

	record, err := p.repo.Get(ctx, blobID)
	if err != nil {
		return nil, logging.NewOperationError("pipeline.get_record", blobID, err)
	}
	if record == nil {
		return nil, logging.NewOperationError("pipeline.get_record", blobID, domain.ErrRecordNotFound)
	}
	if record.Status != domain.StatusInProgress {
		opLogger.Info("callback skipped", zap.Stringer("status", record.Status))
		return result, nil
	}

	outcome, err := p.invoker.Invoke(ctx, record.CallbackURL, result)
	if err != nil {
		return nil, logging.NewOperationError("pipeline.invoke_callback", blobID, err)
	}
	p.metrics.CallbackFinished(outcome)

	status, err := callbackStatus(outcome)
	if err != nil {
		return nil, logging.NewOperationError("pipeline.invoke_callback", blobID, err)
	}
	if err := p.advance(ctx, blobID, status); err != nil {
		return nil, err
	}
	opLogger.Info("callback finished", zap.Stringer("outcome", outcome), zap.Stringer("status", status))
	return result, nil
}

// HandleUnexpectedError marks the blob behind an aborted execution as failed
// unexpectedly. Unresolvable executions and already terminal records are
// left untouched. An aborted upload tracking execution only fails a blob that
// is still waiting, so a recognition it raced with keeps running.
func (p *Pipeline) HandleUnexpectedError(ctx context.Context, executionID string) error {
	workflow, blobID, ok := domain.ParseExecutionID(executionID)
	if !ok {
		return nil
	}
	opLogger := logging.WithOperation(p.logger, "pipeline.handle_unexpected_error", blobID)

	from := domain.StatusUnexpectedError.Predecessors()
	if workflow == domain.WorkflowUploadTracking {
		from = []domain.Status{domain.StatusWaitingForUpload}
	}
	err := p.repo.UpdateStatusFrom(ctx, blobID, domain.StatusUnexpectedError, from)
	switch {
	case err == nil:
		p.metrics.StatusChanged(domain.StatusUnexpectedError)
		opLogger.Warn("recognition aborted unexpectedly", zap.String("execution_id", executionID))
		return nil
	case errors.Is(err, domain.ErrStatusTransitionNotAccepted), errors.Is(err, domain.ErrRecordNotFound):
		opLogger.Info("unexpected error fallback skipped", zap.Error(err))
		return nil
	default:
		return logging.NewOperationError("pipeline.update_status", blobID, err)
	}
}

// advance writes a pipeline owned status, retrying transient store failures
// so a step that already had side effects is not run again. A rejected
// transition means a retried step already wrote it, which is accepted.
func (p *Pipeline) advance(ctx context.Context, blobID string, status domain.Status) error {
	err := withRetry(ctx, p.retry, p.logger, "pipeline.update_status", blobID, func() error {
		return p.repo.UpdateStatus(ctx, blobID, status)
	})
	switch {
	case err == nil:
		p.metrics.StatusChanged(status)
		return nil
	case errors.Is(err, domain.ErrStatusTransitionNotAccepted):
		logging.WithOperation(p.logger, "pipeline.advance", blobID).Warn("status transition not accepted", zap.Stringer("status", status))
		return nil
	default:
		return err
	}
}

func callbackStatus(outcome callback.Outcome) (domain.Status, error) {
	switch outcome {
	case callback.Delivered:
		return domain.StatusSuccess, nil
	case callback.Rejected:
		return domain.StatusFailedCallbackFailure, nil
	case callback.TimedOut:
		return domain.StatusFailedCallbackTimeout, nil
	case callback.ConnectionFailed:
		return domain.StatusFailedCallbackConnection, nil
	}
	return "", fmt.Errorf("unknown callback outcome %d", int(outcome))
}
