package serving

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/diagnosis/pkg/serving/predictor"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PredictionLog is the persisted record of one served diagnosis.
type PredictionLog struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey;column:id"`
	CaseID        string            `gorm:"column:case_id;index"`
	ModelName     string            `gorm:"column:model_name"`
	Label         string            `gorm:"column:label"`
	Probabilities datatypes.JSONMap `gorm:"column:probabilities"`
	Confidence    float64           `gorm:"column:confidence"`
	LatencyMs     float64           `gorm:"column:latency_ms"`
	CreatedAt     time.Time         `gorm:"column:created_at"`
}

// TableName overrides gorm naming.
func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// Repository handles prediction log queries.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&PredictionLog{})
}

func (r *Repository) RecordPrediction(ctx context.Context, modelName, caseID string, pred predictor.Prediction, latency time.Duration) error {
	probs := make(map[string]interface{}, len(pred.Probabilities))
	for k, v := range pred.Probabilities {
		probs[k] = v
	}
	log := PredictionLog{
		ID:            uuid.New(),
		CaseID:        caseID,
		ModelName:     modelName,
		Label:         pred.Label,
		Probabilities: datatypes.JSONMap(probs),
		Confidence:    pred.Confidence,
		LatencyMs:     float64(latency.Microseconds()) / 1000.0,
		CreatedAt:     time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Create(&log).Error
}

// Recent returns the most recent prediction logs up to limit.
func (r *Repository) Recent(ctx context.Context, limit int) ([]PredictionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []PredictionLog
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
