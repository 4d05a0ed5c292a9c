package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/blob-recognition/internal/domain"
	"github.com/example/blob-recognition/internal/metrics"
	"github.com/example/blob-recognition/internal/usecase"
)

// Step names, shared with the per-step HTTP entry points.
const (
	StepCheckUploading  = "check-uploading"
	StepGetLabels       = "get-labels"
	StepTransformLabels = "transform-labels"
	StepSaveLabels      = "save-labels"
	StepInvokeCallback  = "invoke-callback"
	StepUnexpectedError = "unexpected-error"
)

// RecognitionSteps are the units the recognition workflow is made of.
type RecognitionSteps interface {
	GetLabels(ctx context.Context, blobID string) (*usecase.DetectionResult, error)
	TransformLabels(blobID string, raw domain.RawDetection) *usecase.LabelsResult
	SaveLabels(ctx context.Context, blobID string, labels []domain.Label) (*usecase.LabelsResult, error)
	InvokeCallback(ctx context.Context, blobID string, labels []domain.Label) (*usecase.LabelsResult, error)
	HandleUnexpectedError(ctx context.Context, executionID string) error
}

// UploadChecker is the step run when the upload window closes.
type UploadChecker interface {
	CheckUploading(ctx context.Context, blobID string) error
}

// StepRunner executes fn as a named step and returns its recorded output.
// A durable runner replays the recorded output instead of running fn again.
type StepRunner func(ctx context.Context, name string, fn func(context.Context) (string, error)) (string, error)

// Sleeper waits for d. A durable sleeper survives restarts.
type Sleeper func(ctx context.Context, d time.Duration) error

// Outcome is the result of a finished execution.
type Outcome struct {
	BlobID      string `json:"blob_id"`
	Halted      bool   `json:"halted"`
	Status      string `json:"status,omitempty"`
	Description string `json:"description,omitempty"`
}

// stepEnvelope records either a step's value or the classified failure that
// halted the chain. Halting is a successful step so the runner does not retry it.
type stepEnvelope[R any] struct {
	Value  R             `json:"value"`
	Halted *haltedRecord `json:"halted,omitempty"`
}

type haltedRecord struct {
	Description string         `json:"description"`
	Payload     domain.Payload `json:"payload"`
}

func runStep[R any](ctx context.Context, run StepRunner, m *metrics.Metrics, name string, fn func(context.Context) (R, error)) (R, error) {
	var zero R
	encoded, err := run(ctx, name, func(ctx context.Context) (string, error) {
		started := time.Now()
		value, err := fn(ctx)
		m.ObserveStep(name, started, err)

		envelope := stepEnvelope[R]{Value: value}
		if err != nil {
			classified, ok := domain.AsError(err)
			if !ok || !errors.Is(err, domain.ErrRecognitionStepFailed) {
				return "", err
			}
			envelope = stepEnvelope[R]{Halted: &haltedRecord{Description: classified.Description, Payload: classified.Payload}}
		}
		raw, err := json.Marshal(envelope)
		if err != nil {
			return "", fmt.Errorf("encode %s output: %w", name, err)
		}
		return string(raw), nil
	})
	if err != nil {
		return zero, err
	}

	var envelope stepEnvelope[R]
	if err := json.Unmarshal([]byte(encoded), &envelope); err != nil {
		return zero, fmt.Errorf("decode %s output: %w", name, err)
	}
	if envelope.Halted != nil {
		return zero, &domain.Error{
			Kind:        domain.ErrRecognitionStepFailed,
			Description: envelope.Halted.Description,
			Payload:     envelope.Halted.Payload,
		}
	}
	return envelope.Value, nil
}

// runRecognition chains the recognition steps. A classified step failure
// ends the execution normally, as the failing step already stored the
// terminal status. Any other failure runs the unexpected error fallback and
// aborts the execution.
func runRecognition(ctx context.Context, run StepRunner, m *metrics.Metrics, steps RecognitionSteps, executionID, blobID string) (Outcome, error) {
	detection, err := runStep(ctx, run, m, StepGetLabels, func(ctx context.Context) (*usecase.DetectionResult, error) {
		return steps.GetLabels(ctx, blobID)
	})
	if err != nil {
		return abort(ctx, run, m, steps, executionID, blobID, err)
	}

	transformed, err := runStep(ctx, run, m, StepTransformLabels, func(ctx context.Context) (*usecase.LabelsResult, error) {
		return steps.TransformLabels(blobID, detection.Labels), nil
	})
	if err != nil {
		return abort(ctx, run, m, steps, executionID, blobID, err)
	}

	saved, err := runStep(ctx, run, m, StepSaveLabels, func(ctx context.Context) (*usecase.LabelsResult, error) {
		return steps.SaveLabels(ctx, blobID, transformed.Labels)
	})
	if err != nil {
		return abort(ctx, run, m, steps, executionID, blobID, err)
	}

	if _, err := runStep(ctx, run, m, StepInvokeCallback, func(ctx context.Context) (*usecase.LabelsResult, error) {
		return steps.InvokeCallback(ctx, blobID, saved.Labels)
	}); err != nil {
		return abort(ctx, run, m, steps, executionID, blobID, err)
	}

	return Outcome{BlobID: blobID}, nil
}

// runUploadTracking waits out the upload window and times the record out
// when nothing arrived.
func runUploadTracking(ctx context.Context, run StepRunner, sleep Sleeper, m *metrics.Metrics, checker UploadChecker, fallback RecognitionSteps, wait time.Duration, executionID, blobID string) (Outcome, error) {
	if err := sleep(ctx, wait); err != nil {
		return abort(ctx, run, m, fallback, executionID, blobID, err)
	}

	if _, err := runStep(ctx, run, m, StepCheckUploading, func(ctx context.Context) (bool, error) {
		return true, checker.CheckUploading(ctx, blobID)
	}); err != nil {
		return abort(ctx, run, m, fallback, executionID, blobID, err)
	}
	return Outcome{BlobID: blobID}, nil
}

func abort(ctx context.Context, run StepRunner, m *metrics.Metrics, steps RecognitionSteps, executionID, blobID string, cause error) (Outcome, error) {
	if classified, ok := domain.AsError(cause); ok && errors.Is(cause, domain.ErrRecognitionStepFailed) {
		return Outcome{
			BlobID:      blobID,
			Halted:      true,
			Status:      classified.Payload["status"],
			Description: classified.Description,
		}, nil
	}

	if _, err := runStep(ctx, run, m, StepUnexpectedError, func(ctx context.Context) (bool, error) {
		return true, steps.HandleUnexpectedError(ctx, executionID)
	}); err != nil {
		return Outcome{BlobID: blobID}, fmt.Errorf("%w (fallback failed: %v)", cause, err)
	}
	return Outcome{BlobID: blobID}, cause
}
