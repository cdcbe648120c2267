package ingestion

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusAccepted = "accepted"
	StatusParsed   = "parsed"
	StatusFailed   = "failed"
)

// IngestedRecord is the catalog row for one archive record.
type IngestedRecord struct {
	ID        uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	Database  string         `json:"database" gorm:"column:archive_db;uniqueIndex:idx_ingested_db_name"`
	Name      string         `json:"name" gorm:"column:name;uniqueIndex:idx_ingested_db_name"`
	Status    string         `json:"status" gorm:"column:status"`
	Channels  datatypes.JSON `json:"channels" gorm:"column:channels"`
	Samples   int            `json:"samples" gorm:"column:samples"`
	Fs        float64        `json:"fs" gorm:"column:fs"`
	ErrorKind string         `json:"error_kind,omitempty" gorm:"column:error_kind"`
	Error     string         `json:"error,omitempty" gorm:"column:error"`
	CreatedAt time.Time      `json:"created_at" gorm:"column:created_at"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"column:updated_at"`
}

func (IngestedRecord) TableName() string {
	return "ingested_records"
}
