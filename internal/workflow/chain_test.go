package workflow

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/blob-recognition/internal/domain"
	"github.com/example/blob-recognition/internal/metrics"
	"github.com/example/blob-recognition/internal/usecase"
)

type fakeSteps struct {
	detection     domain.RawDetection
	getLabelsErr  error
	saveErr       error
	callbackErr   error
	fallbackErr   error
	savedLabels   []domain.Label
	posted        []domain.Label
	fallbackCalls []string
	calls         int
}

func (f *fakeSteps) GetLabels(ctx context.Context, blobID string) (*usecase.DetectionResult, error) {
	f.calls++
	if f.getLabelsErr != nil {
		return nil, f.getLabelsErr
	}
	return &usecase.DetectionResult{BlobID: blobID, Labels: f.detection}, nil
}

func (f *fakeSteps) TransformLabels(blobID string, raw domain.RawDetection) *usecase.LabelsResult {
	f.calls++
	return &usecase.LabelsResult{BlobID: blobID, Labels: domain.NormalizeLabels(raw)}
}

func (f *fakeSteps) SaveLabels(ctx context.Context, blobID string, labels []domain.Label) (*usecase.LabelsResult, error) {
	f.calls++
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.savedLabels = labels
	return &usecase.LabelsResult{BlobID: blobID, Labels: labels}, nil
}

func (f *fakeSteps) InvokeCallback(ctx context.Context, blobID string, labels []domain.Label) (*usecase.LabelsResult, error) {
	f.calls++
	if f.callbackErr != nil {
		return nil, f.callbackErr
	}
	f.posted = labels
	return &usecase.LabelsResult{BlobID: blobID, Labels: labels}, nil
}

func (f *fakeSteps) HandleUnexpectedError(ctx context.Context, executionID string) error {
	f.fallbackCalls = append(f.fallbackCalls, executionID)
	return f.fallbackErr
}

// recordingRunner runs steps in process and records their outputs so a later
// run can replay them like a durable engine would.
type recordingRunner struct {
	names    []string
	recorded map[string]string
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{recorded: map[string]string{}}
}

func (r *recordingRunner) run(ctx context.Context, name string, fn func(context.Context) (string, error)) (string, error) {
	r.names = append(r.names, name)
	if output, ok := r.recorded[name]; ok {
		return output, nil
	}
	output, err := fn(ctx)
	if err != nil {
		return "", err
	}
	r.recorded[name] = output
	return output, nil
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func TestRunRecognitionChainsSteps(t *testing.T) {
	steps := &fakeSteps{detection: domain.RawDetection{Labels: []domain.RawLabel{{Name: "foo", Confidence: 100, Parents: []domain.RawParent{{Name: "bar"}}}}}}
	runner := newRecordingRunner()

	outcome, err := runRecognition(context.Background(), runner.run, testMetrics(), steps, "recognition-blob-1", "blob-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Halted || outcome.BlobID != "blob-1" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	wantNames := []string{StepGetLabels, StepTransformLabels, StepSaveLabels, StepInvokeCallback}
	if !reflect.DeepEqual(runner.names, wantNames) {
		t.Fatalf("expected %v, got %v", wantNames, runner.names)
	}
	wantLabels := []domain.Label{{Label: "foo", Confidence: 100, Parents: []string{"bar"}}}
	if !reflect.DeepEqual(steps.posted, wantLabels) {
		t.Fatalf("expected %+v posted, got %+v", wantLabels, steps.posted)
	}
	if len(steps.fallbackCalls) != 0 {
		t.Fatalf("unexpected fallback %v", steps.fallbackCalls)
	}
}

func TestRunRecognitionReplaysRecordedSteps(t *testing.T) {
	steps := &fakeSteps{detection: domain.RawDetection{Labels: []domain.RawLabel{{Name: "foo", Confidence: 90}}}}
	runner := newRecordingRunner()

	if _, err := runRecognition(context.Background(), runner.run, nil, steps, "recognition-blob-1", "blob-1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	executed := steps.calls

	if _, err := runRecognition(context.Background(), runner.run, nil, steps, "recognition-blob-1", "blob-1"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if steps.calls != executed {
		t.Fatalf("expected recorded steps to be replayed, %d extra executions", steps.calls-executed)
	}
}

func TestRunRecognitionHaltsOnClassifiedFailure(t *testing.T) {
	failure := domain.NewRecognitionStepFailed("blob-1", domain.StatusInvalidBlobUploaded, errors.New("not an image"))
	steps := &fakeSteps{getLabelsErr: failure}
	runner := newRecordingRunner()

	outcome, err := runRecognition(context.Background(), runner.run, testMetrics(), steps, "recognition-blob-1", "blob-1")
	if err != nil {
		t.Fatalf("expected halted execution to finish normally, got %v", err)
	}
	if !outcome.Halted || outcome.Status != domain.StatusInvalidBlobUploaded.String() {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if !reflect.DeepEqual(runner.names, []string{StepGetLabels}) {
		t.Fatalf("expected chain to stop after get-labels, got %v", runner.names)
	}
	if len(steps.fallbackCalls) != 0 {
		t.Fatalf("classified failures must not run the fallback, got %v", steps.fallbackCalls)
	}

	// The halt is recorded as step output and survives a replay.
	replayed, err := runRecognition(context.Background(), runner.run, nil, steps, "recognition-blob-1", "blob-1")
	if err != nil || !replayed.Halted || replayed.Description != failure.Description {
		t.Fatalf("unexpected replay %+v, %v", replayed, err)
	}
	if steps.calls != 1 {
		t.Fatalf("expected get-labels to run once, ran %d times", steps.calls)
	}
}

func TestRunRecognitionRunsFallbackOnUnexpectedError(t *testing.T) {
	boom := errors.New("database unavailable")
	steps := &fakeSteps{saveErr: boom}
	runner := newRecordingRunner()

	_, err := runRecognition(context.Background(), runner.run, testMetrics(), steps, "recognition-blob-1", "blob-1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected execution to abort with cause, got %v", err)
	}
	if !reflect.DeepEqual(steps.fallbackCalls, []string{"recognition-blob-1"}) {
		t.Fatalf("expected fallback for the execution, got %v", steps.fallbackCalls)
	}
	want := []string{StepGetLabels, StepTransformLabels, StepSaveLabels, StepUnexpectedError}
	if !reflect.DeepEqual(runner.names, want) {
		t.Fatalf("expected %v, got %v", want, runner.names)
	}
	if steps.posted != nil {
		t.Fatal("callback must not run after an aborted step")
	}
}

func TestRunRecognitionReportsFailedFallback(t *testing.T) {
	steps := &fakeSteps{callbackErr: errors.New("boom"), fallbackErr: errors.New("still down")}
	runner := newRecordingRunner()

	_, err := runRecognition(context.Background(), runner.run, nil, steps, "recognition-blob-1", "blob-1")
	if err == nil || !errors.Is(err, steps.callbackErr) {
		t.Fatalf("expected original cause, got %v", err)
	}
}

type fakeChecker struct {
	err     error
	blobIDs []string
}

func (f *fakeChecker) CheckUploading(ctx context.Context, blobID string) error {
	f.blobIDs = append(f.blobIDs, blobID)
	return f.err
}

func TestRunUploadTrackingSleepsThenChecks(t *testing.T) {
	checker := &fakeChecker{}
	steps := &fakeSteps{}
	runner := newRecordingRunner()
	var slept []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		if len(checker.blobIDs) != 0 {
			t.Fatal("check ran before the waiting window closed")
		}
		slept = append(slept, d)
		return nil
	}

	_, err := runUploadTracking(context.Background(), runner.run, sleep, nil, checker, steps, time.Minute, "upload-tracking-blob-1", "blob-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(slept, []time.Duration{time.Minute}) {
		t.Fatalf("unexpected sleeps %v", slept)
	}
	if !reflect.DeepEqual(checker.blobIDs, []string{"blob-1"}) {
		t.Fatalf("unexpected checks %v", checker.blobIDs)
	}
}

func TestRunUploadTrackingFallsBackOnCheckFailure(t *testing.T) {
	checker := &fakeChecker{err: errors.New("access denied")}
	steps := &fakeSteps{}
	runner := newRecordingRunner()
	sleep := func(ctx context.Context, d time.Duration) error { return nil }

	_, err := runUploadTracking(context.Background(), runner.run, sleep, nil, checker, steps, time.Minute, "upload-tracking-blob-1", "blob-1")
	if !errors.Is(err, checker.err) {
		t.Fatalf("expected abort, got %v", err)
	}
	if !reflect.DeepEqual(steps.fallbackCalls, []string{"upload-tracking-blob-1"}) {
		t.Fatalf("unexpected fallback calls %v", steps.fallbackCalls)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{DatabaseURL: "postgres://localhost/dbos"}
	cfg.WithDefaults()
	if cfg.QueueName != "recognition" || cfg.Concurrency != 4 || cfg.StepMaxRetries != 3 || cfg.UploadWaitingTime != time.Minute {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}
