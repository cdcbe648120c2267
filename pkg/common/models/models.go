package models

import (
	"time"

	"github.com/google/uuid"
)

// Event bus envelope
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // training.started, training.metric, training.finished
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// Model Training
type TrainingRun struct {
	ID           uuid.UUID              `json:"id"`
	Name         string                 `json:"name"`
	Config       map[string]interface{} `json:"config"`
	Status       string                 `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
	ArtifactPath string                 `json:"artifact_path,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

type MetricPoint struct {
	RunID     uuid.UUID `json:"run_id"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}
