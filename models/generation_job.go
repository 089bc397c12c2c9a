package models

import (
	"time"

	"gorm.io/datatypes"
)

// Job kinds.
const (
	JobKindCampaign = "campaign"
	JobKindVideo    = "video"
	JobKindPoses    = "poses"
)

// Job status values.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusRetrying  = "retrying"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
)

// GenerationJob is persisted before any background work starts so progress
// and retries survive restarts.
type GenerationJob struct {
	ID          uint              `json:"id" gorm:"primaryKey"`
	UserID      uint              `json:"user_id" gorm:"index;not null"`
	Kind        string            `json:"kind" gorm:"not null;index"`
	TargetID    uint              `json:"target_id" gorm:"index"`
	Payload     datatypes.JSONMap `json:"payload"`
	Status      string            `json:"status" gorm:"not null;default:'queued';index"`
	Attempts    int               `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts int               `json:"max_attempts" gorm:"not null;default:3"`
	LastError   string            `json:"last_error,omitempty"`
	ResultRef   string            `json:"result_ref,omitempty"`
	NextRunAt   *time.Time        `json:"next_run_at,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (GenerationJob) TableName() string {
	return "generation_jobs"
}

// Finished reports whether the job reached a terminal state.
func (j *GenerationJob) Finished() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}
