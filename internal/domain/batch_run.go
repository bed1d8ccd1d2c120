package domain

import (
	"time"

	"github.com/google/uuid"
)

// BatchRunStatus is the outcome of one merge attempt.
type BatchRunStatus string

const (
	BatchRunCommitted BatchRunStatus = "committed"
	BatchRunFailed    BatchRunStatus = "failed"
	BatchRunSkipped   BatchRunStatus = "skipped"
)

// BatchRun records the outcome of merging one batch into the dimension.
type BatchRun struct {
	ID           uuid.UUID      `json:"id"`
	RunID        uuid.UUID      `json:"run_id"`
	Source       string         `json:"source"`
	BatchDate    Date           `json:"batch_date"`
	Status       BatchRunStatus `json:"status"`
	Rows         int            `json:"rows"`
	Inserted     int            `json:"inserted"`
	Changed      int            `json:"changed"`
	Unchanged    int            `json:"unchanged"`
	Duplicates   int            `json:"duplicates"`
	EntityID     *string        `json:"entity_id,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  time.Time      `json:"completed_at"`
}
