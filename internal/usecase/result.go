package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/blob-recognition/internal/domain"
	"github.com/example/blob-recognition/internal/logging"
)

// RecognitionResult is what callers read back for a recognized blob.
type RecognitionResult struct {
	BlobID string         `json:"blob_id"`
	Labels []domain.Label `json:"labels"`
}

// StatusSummary aggregates records per status.
type StatusSummary struct {
	Total                int64            `json:"total"`
	ByStatus             map[string]int64 `json:"by_status"`
	Recognized           int64            `json:"recognized"`
	CallbackDeliveryRate float64          `json:"callback_delivery_rate"`
}

// ResultReader answers result queries from the record store, with a
// read-through cache for results that can no longer change.
type ResultReader struct {
	repo     BlobRepository
	cache    Cache
	cacheTTL time.Duration
	retry    retryPolicy
	logger   *zap.Logger
}

// NewResultReader constructs a result reader. A nil cache disables caching.
func NewResultReader(repo BlobRepository, cache Cache, cacheTTL time.Duration, logger *zap.Logger) *ResultReader {
	return &ResultReader{
		repo:     repo,
		cache:    cache,
		cacheTTL: cacheTTL,
		retry:    defaultRetryPolicy(),
		logger:   logger.Named("result_reader"),
	}
}

// GetResult returns the labels of a blob whose recognition finished, even
// when the callback delivery failed. Every other state is reported as a
// classified *domain.Error carrying blob_id and status.
func (r *ResultReader) GetResult(ctx context.Context, blobID string) (*RecognitionResult, error) {
	opLogger := logging.WithOperation(r.logger, "result_reader.get_result", blobID)

	if cached, ok := r.readCache(ctx, blobID); ok {
		return cached, nil
	}

	record, err := r.repo.Get(ctx, blobID)
	if err != nil {
		opLogger.Error("failed to load blob record", zap.Error(err))
		return nil, logging.NewOperationError("result_reader.get_record", blobID, err)
	}
	if record == nil {
		return nil, domain.NewBlobWasNotFound(blobID)
	}
	if failure := domain.ResultError(blobID, record.Status); failure != nil {
		return nil, failure
	}

	labels := record.Labels
	if labels == nil {
		labels = []domain.Label{}
	}
	result := &RecognitionResult{BlobID: record.BlobID, Labels: labels}
	r.writeCache(ctx, result)
	return result, nil
}

// GetStatusSummary aggregates the stored records per status.
func (r *ResultReader) GetStatusSummary(ctx context.Context) (*StatusSummary, error) {
	counts, err := r.repo.CountByStatus(ctx)
	if err != nil {
		return nil, logging.NewOperationError("result_reader.count_by_status", "", err)
	}

	summary := &StatusSummary{ByStatus: make(map[string]int64, len(domain.PersistedStatuses))}
	for _, status := range domain.PersistedStatuses {
		count := counts[status]
		summary.ByStatus[status.String()] = count
		summary.Total += count
		if status.HasLabels() {
			summary.Recognized += count
		}
	}
	if summary.Recognized > 0 {
		summary.CallbackDeliveryRate = float64(counts[domain.StatusSuccess]) / float64(summary.Recognized)
	}
	return summary, nil
}

func (r *ResultReader) readCache(ctx context.Context, blobID string) (*RecognitionResult, bool) {
	if r.cache == nil {
		return nil, false
	}

	var cached string
	err := withRetry(ctx, r.retry, r.logger, "cache.get.result", blobID, func() error {
		value, err := r.cache.Get(ctx, resultCacheKey(blobID))
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(r.logger, "result_reader.get_result", blobID).Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}

	var result RecognitionResult
	if err := json.Unmarshal([]byte(cached), &result); err != nil {
		logging.WithOperation(r.logger, "result_reader.get_result", blobID).Warn("failed to decode cached result", zap.Error(err))
		return nil, false
	}
	return &result, true
}

func (r *ResultReader) writeCache(ctx context.Context, result *RecognitionResult) {
	if r.cache == nil {
		return
	}

	serialized, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := withRetry(ctx, r.retry, r.logger, "cache.set.result", result.BlobID, func() error {
		return r.cache.Set(ctx, resultCacheKey(result.BlobID), string(serialized), r.cacheTTL)
	}); err != nil {
		logging.WithOperation(r.logger, "result_reader.get_result", result.BlobID).Warn("failed to cache result", zap.Error(err))
	}
}
