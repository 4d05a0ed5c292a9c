package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/blob-recognition/internal/domain"
	"github.com/example/blob-recognition/internal/objectstore"
	"github.com/example/blob-recognition/internal/usecase"
	"github.com/example/blob-recognition/internal/workflow"
)

// UploadInitiator issues upload slots.
type UploadInitiator interface {
	InitiateUpload(ctx context.Context, callbackURL string) (*usecase.UploadInitializingResult, error)
}

// ResultQuerier answers result and summary queries.
type ResultQuerier interface {
	GetResult(ctx context.Context, blobID string) (*usecase.RecognitionResult, error)
	GetStatusSummary(ctx context.Context) (*usecase.StatusSummary, error)
}

// RecognitionPipeline starts recognition and exposes its steps.
type RecognitionPipeline interface {
	workflow.RecognitionSteps
	StartRecognition(ctx context.Context, blobID string) error
}

// BlobWriter stores uploaded blobs.
type BlobWriter interface {
	Put(ctx context.Context, key string, body io.Reader) error
}

// ExecutionReader looks up execution state.
type ExecutionReader interface {
	Get(ctx context.Context, executionID string) (*workflow.ExecutionStatus, error)
}

// Dependencies holds what the routes are served from. Nil optional members
// leave their routes unregistered.
type Dependencies struct {
	Uploads  UploadInitiator
	Results  ResultQuerier
	Pipeline RecognitionPipeline
	Watchdog workflow.UploadChecker

	// Blobs and UploadAuth enable the upload receiver of the local store.
	Blobs          BlobWriter
	UploadAuth     gin.HandlerFunc
	MaxUploadBytes int64

	Executions ExecutionReader
	Metrics    http.Handler
	Logger     *zap.Logger
}

type initiateUploadRequest struct {
	CallbackURL string `json:"callback_url"`
}

type stepRequest struct {
	BlobID        string          `json:"blob_id"`
	Labels        json.RawMessage `json:"labels"`
	ExecutionName string          `json:"ExecutionName"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	h := &handler{deps: deps, logger: deps.Logger.Named("http")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	v1 := router.Group("/v1")
	v1.POST("/blobs", h.initiateUpload)
	v1.GET("/blobs/:blob_id", h.getResult)
	v1.GET("/stats", h.stats)
	v1.POST("/events/object-created", h.objectCreated)
	v1.POST("/steps/:step", h.runStep)

	if deps.Blobs != nil && deps.UploadAuth != nil {
		v1.PUT("/uploads/:blob_id", deps.UploadAuth, h.receiveUpload)
	}
	if deps.Executions != nil {
		v1.GET("/executions/:execution_id", h.getExecution)
	}
}

type handler struct {
	deps   Dependencies
	logger *zap.Logger
}

func (h *handler) initiateUpload(c *gin.Context) {
	var req initiateUploadRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body")
			return
		}
	}

	result, err := h.deps.Uploads.InitiateUpload(c.Request.Context(), req.CallbackURL)
	if err != nil {
		h.respondError(c, err, http.StatusBadRequest)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *handler) getResult(c *gin.Context) {
	result, err := h.deps.Results.GetResult(c.Request.Context(), c.Param("blob_id"))
	if err != nil {
		h.respondError(c, err, http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handler) stats(c *gin.Context) {
	summary, err := h.deps.Results.GetStatusSummary(c.Request.Context())
	if err != nil {
		h.respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) receiveUpload(c *gin.Context) {
	blobID := c.Param("blob_id")
	body := c.Request.Body
	if h.deps.MaxUploadBytes > 0 {
		body = http.MaxBytesReader(c.Writer, body, h.deps.MaxUploadBytes)
	}

	err := h.deps.Blobs.Put(c.Request.Context(), blobID, body)
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr), errors.Is(err, objectstore.ErrBlobTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"description": "Blob exceeds the upload limit."})
		return
	case errors.Is(err, objectstore.ErrAlreadyUploaded):
		// A retried upload may have stored the blob without starting recognition.
		if startErr := h.deps.Pipeline.StartRecognition(c.Request.Context(), blobID); startErr != nil {
			h.respondError(c, startErr, http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusConflict, gin.H{"description": "Blob has already been uploaded."})
		return
	case errors.Is(err, objectstore.ErrInvalidKey):
		badRequest(c, "Invalid blob id")
		return
	case err != nil:
		h.respondError(c, err, http.StatusInternalServerError)
		return
	}

	if err := h.deps.Pipeline.StartRecognition(c.Request.Context(), blobID); err != nil {
		h.respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) objectCreated(c *gin.Context) {
	var event events.S3Event
	if err := c.ShouldBindJSON(&event); err != nil {
		badRequest(c, "Invalid event body")
		return
	}

	accepted := 0
	for _, record := range event.Records {
		key := record.S3.Object.URLDecodedKey
		if key == "" {
			key = record.S3.Object.Key
		}
		if key == "" {
			continue
		}
		if err := h.deps.Pipeline.StartRecognition(c.Request.Context(), key); err != nil {
			h.respondError(c, err, http.StatusInternalServerError)
			return
		}
		accepted++
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}

func (h *handler) runStep(c *gin.Context) {
	var req stepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid step payload")
		return
	}
	step := c.Param("step")
	if step != workflow.StepUnexpectedError && strings.TrimSpace(req.BlobID) == "" {
		badRequest(c, "blob_id is required")
		return
	}

	ctx := c.Request.Context()
	switch step {
	case workflow.StepCheckUploading:
		if err := h.deps.Watchdog.CheckUploading(ctx, req.BlobID); err != nil {
			h.respondError(c, err, http.StatusConflict)
			return
		}
		c.JSON(http.StatusOK, gin.H{"blob_id": req.BlobID})

	case workflow.StepGetLabels:
		result, err := h.deps.Pipeline.GetLabels(ctx, req.BlobID)
		h.respondStep(c, result, err)

	case workflow.StepTransformLabels:
		var raw domain.RawDetection
		if !decodeLabels(c, req.Labels, &raw) {
			return
		}
		c.JSON(http.StatusOK, h.deps.Pipeline.TransformLabels(req.BlobID, raw))

	case workflow.StepSaveLabels, workflow.StepInvokeCallback:
		var labels []domain.Label
		if !decodeLabels(c, req.Labels, &labels) {
			return
		}
		var (
			result *usecase.LabelsResult
			err    error
		)
		if step == workflow.StepSaveLabels {
			result, err = h.deps.Pipeline.SaveLabels(ctx, req.BlobID, labels)
		} else {
			result, err = h.deps.Pipeline.InvokeCallback(ctx, req.BlobID, labels)
		}
		h.respondStep(c, result, err)

	case workflow.StepUnexpectedError:
		if err := h.deps.Pipeline.HandleUnexpectedError(ctx, req.ExecutionName); err != nil {
			h.respondError(c, err, http.StatusConflict)
			return
		}
		c.Status(http.StatusNoContent)

	default:
		c.JSON(http.StatusNotFound, gin.H{"description": "Unknown step."})
	}
}

func (h *handler) getExecution(c *gin.Context) {
	status, err := h.deps.Executions.Get(c.Request.Context(), c.Param("execution_id"))
	if errors.Is(err, workflow.ErrExecutionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"description": "Execution not found."})
		return
	}
	if err != nil {
		h.respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *handler) respondStep(c *gin.Context, result interface{}, err error) {
	if err != nil {
		h.respondError(c, err, http.StatusConflict)
		return
	}
	c.JSON(http.StatusOK, result)
}

// respondError writes classified failures with classifiedStatus and hides
// everything else behind a 500.
func (h *handler) respondError(c *gin.Context, err error, classifiedStatus int) {
	if classified, ok := domain.AsError(err); ok {
		c.JSON(classifiedStatus, gin.H{
			"description": classified.Description,
			"payload":     classified.Payload,
		})
		return
	}

	h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"description": "Internal server error."})
}

func decodeLabels(c *gin.Context, raw json.RawMessage, target interface{}) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return true
	}
	if err := json.Unmarshal(raw, target); err != nil {
		badRequest(c, "Invalid labels")
		return false
	}
	return true
}

func badRequest(c *gin.Context, description string) {
	c.JSON(http.StatusBadRequest, gin.H{"description": description})
}
