package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"go.uber.org/zap"

	"github.com/example/blob-recognition/internal/domain"
	"github.com/example/blob-recognition/internal/metrics"
)

// launchRequest describes one workflow start. An empty Queue starts the
// execution right away instead of enqueueing it.
type launchRequest struct {
	Workflow    string
	BlobID      string
	ExecutionID string
	Queue       string
}

// Engine runs the upload tracking and recognition workflows on DBOS. Launching
// an execution id twice returns the existing execution.
type Engine struct {
	config  Config
	steps   RecognitionSteps
	checker UploadChecker
	metrics *metrics.Metrics
	logger  *zap.Logger

	start    func(req launchRequest) (string, error)
	register func()
}

// NewEngine creates an engine on runtime. Register must be called before the
// runtime is launched.
func NewEngine(runtime *Runtime, m *metrics.Metrics, logger *zap.Logger) *Engine {
	e := newEngine(runtime.Config(), m, logger)
	e.start = func(req launchRequest) (string, error) {
		return e.runWorkflow(runtime.Context(), req)
	}
	e.register = func() {
		dbos.RegisterWorkflow(runtime.Context(), e.recognitionWorkflow)
		dbos.RegisterWorkflow(runtime.Context(), e.uploadTrackingWorkflow)
	}
	return e
}

func newEngine(cfg Config, m *metrics.Metrics, logger *zap.Logger) *Engine {
	cfg.WithDefaults()
	return &Engine{config: cfg, metrics: m, logger: logger.Named("workflow_engine")}
}

// Register binds the steps and registers both workflows with DBOS.
func (e *Engine) Register(steps RecognitionSteps, checker UploadChecker) {
	e.steps = steps
	e.checker = checker
	e.register()
}

// Launch starts the named workflow for blobID and returns its execution id.
// Recognition is enqueued on the bounded queue; upload tracking starts
// directly so its waiting window begins at launch.
func (e *Engine) Launch(ctx context.Context, workflow, blobID string) (string, error) {
	if e.steps == nil || e.checker == nil {
		return "", errors.New("workflows are not registered")
	}

	req, err := e.launchRequest(workflow, blobID)
	if err != nil {
		return "", err
	}
	executionID, err := e.start(req)
	if err != nil {
		return "", err
	}

	e.logger.Info("execution started",
		zap.String("workflow", workflow),
		zap.String("blob_id", blobID),
		zap.String("execution_id", executionID),
		zap.String("queue", req.Queue),
	)
	return executionID, nil
}

func (e *Engine) launchRequest(workflow, blobID string) (launchRequest, error) {
	req := launchRequest{
		Workflow:    workflow,
		BlobID:      blobID,
		ExecutionID: domain.ExecutionID(workflow, blobID),
	}
	switch workflow {
	case domain.WorkflowRecognition:
		req.Queue = e.config.QueueName
	case domain.WorkflowUploadTracking:
	default:
		return launchRequest{}, fmt.Errorf("unknown workflow %q", workflow)
	}
	return req, nil
}

func (e *Engine) runWorkflow(dbosCtx dbos.DBOSContext, req launchRequest) (string, error) {
	opts := []dbos.WorkflowOption{dbos.WithWorkflowID(req.ExecutionID)}
	if req.Queue != "" {
		opts = append(opts, dbos.WithQueue(req.Queue))
	}

	fn := e.recognitionWorkflow
	if req.Workflow == domain.WorkflowUploadTracking {
		fn = e.uploadTrackingWorkflow
	}
	handle, err := dbos.RunWorkflow[string, Outcome](dbosCtx, fn, req.BlobID, opts...)
	if err != nil {
		return "", err
	}
	return handle.GetWorkflowID(), nil
}

func (e *Engine) recognitionWorkflow(dbosCtx dbos.DBOSContext, blobID string) (Outcome, error) {
	id, idErr := dbosCtx.GetWorkflowID()
	executionID := resolveExecutionID(id, idErr, domain.WorkflowRecognition, blobID)
	outcome, err := runRecognition(dbosCtx, e.stepRunner(dbosCtx), e.metrics, e.steps, executionID, blobID)
	e.logOutcome(executionID, outcome, err)
	return outcome, err
}

func (e *Engine) uploadTrackingWorkflow(dbosCtx dbos.DBOSContext, blobID string) (Outcome, error) {
	id, idErr := dbosCtx.GetWorkflowID()
	executionID := resolveExecutionID(id, idErr, domain.WorkflowUploadTracking, blobID)
	sleep := func(ctx context.Context, d time.Duration) error {
		_, err := dbos.Sleep(dbosCtx, d)
		return err
	}
	outcome, err := runUploadTracking(dbosCtx, e.stepRunner(dbosCtx), sleep, e.metrics, e.checker, e.steps, e.config.UploadWaitingTime, executionID, blobID)
	e.logOutcome(executionID, outcome, err)
	return outcome, err
}

func (e *Engine) stepRunner(dbosCtx dbos.DBOSContext) StepRunner {
	maxRetries := e.config.StepMaxRetries
	return func(ctx context.Context, name string, fn func(context.Context) (string, error)) (string, error) {
		return dbos.RunAsStep[string](dbosCtx, fn, dbos.WithStepName(name), dbos.WithStepMaxRetries(maxRetries))
	}
}

// resolveExecutionID prefers the id the engine reports for the running
// execution and falls back to the id Launch would have assigned.
func resolveExecutionID(id string, err error, workflow, blobID string) string {
	if err != nil || id == "" {
		return domain.ExecutionID(workflow, blobID)
	}
	return id
}

func (e *Engine) logOutcome(executionID string, outcome Outcome, err error) {
	logger := e.logger.With(zap.String("execution_id", executionID), zap.String("blob_id", outcome.BlobID))
	switch {
	case err != nil:
		logger.Error("execution aborted", zap.Error(err))
	case outcome.Halted:
		logger.Info("execution halted", zap.String("status", outcome.Status), zap.String("description", outcome.Description))
	default:
		logger.Info("execution finished")
	}
}
