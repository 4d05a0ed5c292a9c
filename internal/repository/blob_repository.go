package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/blob-recognition/internal/domain"
	"github.com/example/blob-recognition/internal/logging"
)

// BlobModel represents a persisted blob recognition record.
type BlobModel struct {
	BlobID      string    `gorm:"column:blob_id;primaryKey;size:64"`
	CallbackURL string    `gorm:"column:callback_url;type:text"`
	Status      string    `gorm:"column:status;size:48;index"`
	Labels      string    `gorm:"column:labels;type:text"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (BlobModel) TableName() string {
	return "blobs"
}

// BlobRepository provides persistence APIs for blob records on a SQL database.
type BlobRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewBlobRepository creates a new repository instance.
func NewBlobRepository(db *gorm.DB, logger *zap.Logger) *BlobRepository {
	return &BlobRepository{
		db:             db,
		logger:         logger.Named("blob_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *BlobRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&BlobModel{})
}

// Create persists a new record.
func (r *BlobRepository) Create(ctx context.Context, record *domain.BlobRecord) error {
	model, err := toModel(record)
	if err != nil {
		return logging.NewOperationError("blob_repository.create", record.BlobID, err)
	}
	return r.executeWithRetry(ctx, "blob_repository.create", record.BlobID, func() error {
		return r.db.WithContext(ctx).Create(model).Error
	})
}

// UpdateStatus writes status only when the stored status is one of its
// predecessors.
func (r *BlobRepository) UpdateStatus(ctx context.Context, blobID string, status domain.Status) error {
	return r.UpdateStatusFrom(ctx, blobID, status, status.Predecessors())
}

// UpdateStatusFrom writes status only when the stored status is one of the
// legal predecessors listed in from.
func (r *BlobRepository) UpdateStatusFrom(ctx context.Context, blobID string, status domain.Status, from []domain.Status) error {
	allowed := status.Restrict(from)
	values := make([]string, 0, len(allowed))
	for _, predecessor := range allowed {
		values = append(values, predecessor.String())
	}
	if len(values) == 0 {
		return r.classifyMiss(ctx, blobID)
	}

	var affected int64
	err := r.executeWithRetry(ctx, "blob_repository.update_status", blobID, func() error {
		result := r.db.WithContext(ctx).
			Model(&BlobModel{}).
			Where("blob_id = ? AND status IN ?", blobID, values).
			Updates(map[string]interface{}{
				"status":     status.String(),
				"updated_at": time.Now().UTC(),
			})
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return r.classifyMiss(ctx, blobID)
	}
	return nil
}

// SaveLabels stores labels without touching the status.
func (r *BlobRepository) SaveLabels(ctx context.Context, blobID string, labels []domain.Label) error {
	encoded, err := encodeLabels(labels)
	if err != nil {
		return logging.NewOperationError("blob_repository.save_labels", blobID, err)
	}

	var affected int64
	err = r.executeWithRetry(ctx, "blob_repository.save_labels", blobID, func() error {
		result := r.db.WithContext(ctx).
			Model(&BlobModel{}).
			Where("blob_id = ?", blobID).
			Updates(map[string]interface{}{
				"labels":     encoded,
				"updated_at": time.Now().UTC(),
			})
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// Get retrieves a record. Unknown blobs yield nil without an error.
func (r *BlobRepository) Get(ctx context.Context, blobID string) (*domain.BlobRecord, error) {
	var model BlobModel
	err := r.executeWithRetry(ctx, "blob_repository.get", blobID, func() error {
		return r.db.WithContext(ctx).First(&model, "blob_id = ?", blobID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.toRecord()
}

// CountByStatus returns the number of records per stored status.
func (r *BlobRepository) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := r.executeWithRetry(ctx, "blob_repository.count_by_status", "", func() error {
		return r.db.WithContext(ctx).
			Model(&BlobModel{}).
			Select("status, count(*) AS total").
			Group("status").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.Status]int64, len(rows))
	for _, row := range rows {
		status, err := domain.ParseStatus(row.Status)
		if err != nil {
			r.logger.Warn("skipping unknown stored status", zap.String("status", row.Status))
			continue
		}
		counts[status] = row.Total
	}
	return counts, nil
}

// classifyMiss tells a rejected transition apart from an unknown blob.
func (r *BlobRepository) classifyMiss(ctx context.Context, blobID string) error {
	var count int64
	err := r.executeWithRetry(ctx, "blob_repository.exists", blobID, func() error {
		return r.db.WithContext(ctx).
			Model(&BlobModel{}).
			Where("blob_id = ?", blobID).
			Count(&count).Error
	})
	if err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrRecordNotFound
	}
	return domain.ErrStatusTransitionNotAccepted
}

func (r *BlobRepository) executeWithRetry(ctx context.Context, operation, blobID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, blobID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, blobID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, blobID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, blobID, err)
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}

func toModel(record *domain.BlobRecord) (*BlobModel, error) {
	encoded, err := encodeLabels(record.Labels)
	if err != nil {
		return nil, err
	}
	return &BlobModel{
		BlobID:      record.BlobID,
		CallbackURL: record.CallbackURL,
		Status:      record.Status.String(),
		Labels:      encoded,
		CreatedAt:   record.CreatedAt,
		UpdatedAt:   record.UpdatedAt,
	}, nil
}

func (m BlobModel) toRecord() (*domain.BlobRecord, error) {
	status, err := domain.ParseStatus(m.Status)
	if err != nil {
		return nil, logging.NewOperationError("blob_repository.decode", m.BlobID, err)
	}
	labels, err := decodeLabels(m.Labels)
	if err != nil {
		return nil, logging.NewOperationError("blob_repository.decode", m.BlobID, err)
	}
	return &domain.BlobRecord{
		BlobID:      m.BlobID,
		CallbackURL: m.CallbackURL,
		Status:      status,
		Labels:      labels,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}, nil
}

// encodeLabels keeps "no labels yet" (empty column) apart from an empty list.
func encodeLabels(labels []domain.Label) (string, error) {
	if labels == nil {
		return "", nil
	}
	encoded, err := json.Marshal(labels)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeLabels(encoded string) ([]domain.Label, error) {
	if encoded == "" {
		return nil, nil
	}
	var labels []domain.Label
	if err := json.Unmarshal([]byte(encoded), &labels); err != nil {
		return nil, err
	}
	for i := range labels {
		if labels[i].Parents == nil {
			labels[i].Parents = []string{}
		}
	}
	return labels, nil
}
