package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrExecutionNotFound is returned for unknown execution ids.
var ErrExecutionNotFound = errors.New("execution not found")

// ExecutionStatus is the engine side state of one execution.
type ExecutionStatus struct {
	ExecutionID string    `json:"execution_id"`
	Workflow    string    `json:"workflow"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Executions reads execution state from the DBOS system database.
type Executions struct {
	db *sql.DB
}

// NewExecutions creates a reader on db.
func NewExecutions(db *sql.DB) *Executions {
	return &Executions{db: db}
}

// Get retrieves the status of an execution.
func (e *Executions) Get(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	query := `
		SELECT workflow_uuid, name, status, created_at, updated_at
		FROM dbos.workflow_status
		WHERE workflow_uuid = $1
	`

	var (
		info      ExecutionStatus
		createdAt int64
		updatedAt int64
	)
	err := e.db.QueryRowContext(ctx, query, executionID).Scan(
		&info.ExecutionID,
		&info.Workflow,
		&info.Status,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow status: %w", err)
	}

	info.CreatedAt = time.UnixMilli(createdAt).UTC()
	info.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &info, nil
}
