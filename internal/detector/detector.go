package detector

import (
	"context"
	"errors"

	"github.com/example/blob-recognition/internal/domain"
)

// Classified failures a detection call may return. Anything else is an
// infrastructure error.
var (
	ErrInvalidImageFormat = errors.New("invalid image format")
	ErrImageTooLarge      = errors.New("image too large")
)

// Client exposes the label detection used by the recognition pipeline.
type Client interface {
	DetectLabels(ctx context.Context, key string) (*domain.RawDetection, error)
}
