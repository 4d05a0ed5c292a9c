package repository

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/example/blob-recognition/internal/domain"
	"github.com/example/blob-recognition/internal/logging"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the table store.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type blobItem struct {
	BlobID      string      `dynamodbav:"blob_id"`
	CallbackURL string      `dynamodbav:"callback_url"`
	Status      string      `dynamodbav:"status"`
	Labels      []labelItem `dynamodbav:"labels,omitempty"`
	CreatedAt   string      `dynamodbav:"created_at"`
	UpdatedAt   string      `dynamodbav:"updated_at"`
}

type labelItem struct {
	Label      string   `dynamodbav:"label"`
	Confidence float64  `dynamodbav:"confidence"`
	Parents    []string `dynamodbav:"parents"`
}

// DynamoDBRepository stores blob records in a DynamoDB table keyed by blob_id.
type DynamoDBRepository struct {
	client DynamoDBAPI
	table  string
	logger *zap.Logger
}

// NewDynamoDBRepository creates a table backed repository.
func NewDynamoDBRepository(client DynamoDBAPI, table string, logger *zap.Logger) *DynamoDBRepository {
	return &DynamoDBRepository{client: client, table: table, logger: logger.Named("dynamodb_repository")}
}

// Create persists a new record. An existing blob_id is never overwritten.
func (r *DynamoDBRepository) Create(ctx context.Context, record *domain.BlobRecord) error {
	item, err := attributevalue.MarshalMap(blobItem{
		BlobID:      record.BlobID,
		CallbackURL: record.CallbackURL,
		Status:      record.Status.String(),
		Labels:      toLabelItems(record.Labels),
		CreatedAt:   record.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   record.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return logging.NewOperationError("dynamodb_repository.create", record.BlobID, err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(blob_id)"),
	})
	return logging.NewOperationError("dynamodb_repository.create", record.BlobID, err)
}

// UpdateStatus writes status only when the stored status is one of its
// predecessors.
func (r *DynamoDBRepository) UpdateStatus(ctx context.Context, blobID string, status domain.Status) error {
	return r.UpdateStatusFrom(ctx, blobID, status, status.Predecessors())
}

// UpdateStatusFrom writes status only when the stored status is one of the
// legal predecessors listed in from.
func (r *DynamoDBRepository) UpdateStatusFrom(ctx context.Context, blobID string, status domain.Status, from []domain.Status) error {
	predecessors := status.Restrict(from)
	if len(predecessors) == 0 {
		return r.classifyMiss(ctx, blobID)
	}

	values := map[string]types.AttributeValue{
		":status":     &types.AttributeValueMemberS{Value: status.String()},
		":updated_at": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
	}
	placeholders := make([]string, 0, len(predecessors))
	for i, predecessor := range predecessors {
		key := ":from" + strconv.Itoa(i)
		placeholders = append(placeholders, key)
		values[key] = &types.AttributeValueMemberS{Value: predecessor.String()}
	}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       blobKey(blobID),
		UpdateExpression:          aws.String("SET #status = :status, updated_at = :updated_at"),
		ConditionExpression:       aws.String("attribute_exists(blob_id) AND #status IN (" + strings.Join(placeholders, ", ") + ")"),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return r.classifyMiss(ctx, blobID)
	}
	return logging.NewOperationError("dynamodb_repository.update_status", blobID, err)
}

// SaveLabels stores labels without touching the status.
func (r *DynamoDBRepository) SaveLabels(ctx context.Context, blobID string, labels []domain.Label) error {
	if labels == nil {
		labels = []domain.Label{}
	}
	encoded, err := attributevalue.Marshal(toLabelItems(labels))
	if err != nil {
		return logging.NewOperationError("dynamodb_repository.save_labels", blobID, err)
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.table),
		Key:                 blobKey(blobID),
		UpdateExpression:    aws.String("SET labels = :labels, updated_at = :updated_at"),
		ConditionExpression: aws.String("attribute_exists(blob_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":labels":     encoded,
			":updated_at": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
	})
	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return domain.ErrRecordNotFound
	}
	return logging.NewOperationError("dynamodb_repository.save_labels", blobID, err)
}

// Get retrieves a record with a strongly consistent read. Unknown blobs yield
// nil without an error.
func (r *DynamoDBRepository) Get(ctx context.Context, blobID string) (*domain.BlobRecord, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            blobKey(blobID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, logging.NewOperationError("dynamodb_repository.get", blobID, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var item blobItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, logging.NewOperationError("dynamodb_repository.decode", blobID, err)
	}
	record, err := item.toRecord()
	if err != nil {
		return nil, logging.NewOperationError("dynamodb_repository.decode", blobID, err)
	}
	return record, nil
}

// CountByStatus scans the status attribute of the whole table.
func (r *DynamoDBRepository) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	counts := map[domain.Status]int64{}
	input := &dynamodb.ScanInput{
		TableName:                aws.String(r.table),
		ProjectionExpression:     aws.String("#status"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
	}
	for {
		out, err := r.client.Scan(ctx, input)
		if err != nil {
			return nil, logging.NewOperationError("dynamodb_repository.count_by_status", "", err)
		}
		for _, raw := range out.Items {
			var item blobItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, logging.NewOperationError("dynamodb_repository.count_by_status", "", err)
			}
			status, err := domain.ParseStatus(item.Status)
			if err != nil {
				r.logger.Warn("skipping unknown stored status", zap.String("status", item.Status))
				continue
			}
			counts[status]++
		}
		if len(out.LastEvaluatedKey) == 0 {
			return counts, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (r *DynamoDBRepository) classifyMiss(ctx context.Context, blobID string) error {
	record, err := r.Get(ctx, blobID)
	if err != nil {
		return err
	}
	if record == nil {
		return domain.ErrRecordNotFound
	}
	return domain.ErrStatusTransitionNotAccepted
}

func blobKey(blobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"blob_id": &types.AttributeValueMemberS{Value: blobID}}
}

func (i blobItem) toRecord() (*domain.BlobRecord, error) {
	status, err := domain.ParseStatus(i.Status)
	if err != nil {
		return nil, err
	}
	createdAt, err := parseTimestamp(i.CreatedAt)
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseTimestamp(i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &domain.BlobRecord{
		BlobID:      i.BlobID,
		CallbackURL: i.CallbackURL,
		Status:      status,
		Labels:      fromLabelItems(i.Labels),
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}

// toLabelItems keeps nil apart from an empty slice: nil labels are not stored.
func toLabelItems(labels []domain.Label) []labelItem {
	if labels == nil {
		return nil
	}
	items := make([]labelItem, 0, len(labels))
	for _, label := range labels {
		items = append(items, labelItem{Label: label.Label, Confidence: label.Confidence, Parents: label.Parents})
	}
	return items
}

func fromLabelItems(items []labelItem) []domain.Label {
	if items == nil {
		return nil
	}
	labels := make([]domain.Label, 0, len(items))
	for _, item := range items {
		parents := item.Parents
		if parents == nil {
			parents = []string{}
		}
		labels = append(labels, domain.Label{Label: item.Label, Confidence: item.Confidence, Parents: parents})
	}
	return labels
}

func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}
