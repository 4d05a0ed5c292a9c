package grpcclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/blob-recognition/internal/detector"
	"github.com/example/blob-recognition/internal/domain"
	"github.com/example/blob-recognition/internal/logging"
)

const detectLabelsMethod = "/recognition.v1.LabelDetector/DetectLabels"

// BlobSource opens stored blobs for detection.
type BlobSource interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Invoker performs unary gRPC calls. *grpc.ClientConn satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, method string, args interface{}, reply interface{}, opts ...grpc.CallOption) error
}

// Options bounds the detection request.
type Options struct {
	MaxLabels     int
	MinConfidence float64
	MaxImageBytes int64
	MaxPixels     int
}

// DialLabelDetector returns a ready-to-use gRPC client for the label detection service.
func DialLabelDetector(ctx context.Context, addr string, source BlobSource, opts Options, logger *zap.Logger) (*LabelDetector, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_label_detector", "", err)
		logger.Error("failed to dial label detector", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewLabelDetector(conn, source, opts, logger), conn, nil
}

// LabelDetector checks a stored blob locally and asks the detection service
// for its labels.
type LabelDetector struct {
	conn   Invoker
	source BlobSource
	opts   Options
	logger *zap.Logger
}

var _ detector.Client = (*LabelDetector)(nil)

// NewLabelDetector wraps an established connection.
func NewLabelDetector(conn Invoker, source BlobSource, opts Options, logger *zap.Logger) *LabelDetector {
	return &LabelDetector{conn: conn, source: source, opts: opts, logger: logger.Named("label_detector")}
}

// DetectLabels returns raw detections for the blob stored under key. Blobs
// that are not decodable images fail with detector.ErrInvalidImageFormat and
// blobs over the byte or pixel limits with detector.ErrImageTooLarge.
func (d *LabelDetector) DetectLabels(ctx context.Context, key string) (*domain.RawDetection, error) {
	data, err := d.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := d.preflight(data); err != nil {
		return nil, err
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"image":          base64.StdEncoding.EncodeToString(data),
		"max_labels":     float64(d.opts.MaxLabels),
		"min_confidence": d.opts.MinConfidence,
	})
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.detect_labels", key, err)
	}

	var resp structpb.Struct
	if err := d.conn.Invoke(ctx, detectLabelsMethod, req, &resp); err != nil {
		if classified := classifyStatus(err); classified != nil {
			return nil, fmt.Errorf("%w: %s", classified, status.Convert(err).Message())
		}
		wrapped := logging.NewOperationError("grpcclient.detect_labels", key, err)
		d.logger.Error("label detector call failed", zap.Error(wrapped), zap.String("blob_id", key))
		return nil, wrapped
	}

	detection, err := decodeDetection(&resp)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_labels", key, err)
	}
	return detection, nil
}

func (d *LabelDetector) load(ctx context.Context, key string) ([]byte, error) {
	body, err := d.source.Open(ctx, key)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.open_blob", key, err)
	}
	defer body.Close()

	reader := io.Reader(body)
	if d.opts.MaxImageBytes > 0 {
		reader = io.LimitReader(body, d.opts.MaxImageBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.read_blob", key, err)
	}
	if d.opts.MaxImageBytes > 0 && int64(len(data)) > d.opts.MaxImageBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", detector.ErrImageTooLarge, d.opts.MaxImageBytes)
	}
	return data, nil
}

func (d *LabelDetector) preflight(data []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", detector.ErrInvalidImageFormat, err)
	}
	if d.opts.MaxPixels > 0 && cfg.Width*cfg.Height > d.opts.MaxPixels {
		return fmt.Errorf("%w: %dx%d pixels", detector.ErrImageTooLarge, cfg.Width, cfg.Height)
	}
	if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", detector.ErrInvalidImageFormat, err)
	}
	return nil
}

func classifyStatus(err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument:
		return detector.ErrInvalidImageFormat
	case codes.ResourceExhausted, codes.OutOfRange:
		return detector.ErrImageTooLarge
	}
	return nil
}

func decodeDetection(resp *structpb.Struct) (*domain.RawDetection, error) {
	encoded, err := json.Marshal(resp.AsMap())
	if err != nil {
		return nil, err
	}
	var detection domain.RawDetection
	if err := json.Unmarshal(encoded, &detection); err != nil {
		return nil, err
	}
	if detection.Labels == nil {
		if _, ok := resp.GetFields()["Labels"]; !ok {
			return nil, errors.New("response has no Labels field")
		}
		detection.Labels = []domain.RawLabel{}
	}
	return &detection, nil
}
