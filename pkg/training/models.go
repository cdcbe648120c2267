package training

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type RunModel struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey;column:id"`
	Name         string            `gorm:"column:name"`
	Config       datatypes.JSONMap `gorm:"column:config"`
	Status       string            `gorm:"column:status;index"`
	Metrics      datatypes.JSONMap `gorm:"column:metrics"`
	ArtifactPath string            `gorm:"column:artifact_path"`
	ErrorMessage string            `gorm:"column:error_message"`
	CreatedAt    time.Time         `gorm:"column:created_at"`
	UpdatedAt    time.Time         `gorm:"column:updated_at"`
	StartedAt    *time.Time        `gorm:"column:started_at"`
	CompletedAt  *time.Time        `gorm:"column:completed_at"`
}

func (RunModel) TableName() string {
	return "training_runs"
}

// MetricModel is one tracked value of a run at a given step.
type MetricModel struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	RunID     uuid.UUID `gorm:"type:uuid;column:run_id;index"`
	Name      string    `gorm:"column:name"`
	Value     float64   `gorm:"column:value"`
	Step      int       `gorm:"column:step"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (MetricModel) TableName() string {
	return "training_metrics"
}

type CreateRunInput struct {
	Name   string
	Config map[string]interface{}
}

// Result is what an executed run produced.
type Result struct {
	Metrics      map[string]interface{}
	ArtifactPath string
}
