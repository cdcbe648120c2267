package ingestion

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("ingested record not found")

// Catalog persists what was fetched from the archive and how it went.
type Catalog struct {
	db *gorm.DB
}

func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) AutoMigrate() error {
	return c.db.AutoMigrate(&IngestedRecord{})
}

// Upsert inserts rec or overwrites the row with the same database and name.
func (c *Catalog) Upsert(ctx context.Context, rec *IngestedRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "archive_db"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "channels", "samples", "fs", "error_kind", "error", "updated_at"}),
	}).Create(rec).Error
}

func (c *Catalog) Get(ctx context.Context, database, name string) (*IngestedRecord, error) {
	var rec IngestedRecord
	result := c.db.WithContext(ctx).First(&rec, "archive_db = ? AND name = ?", database, name)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, result.Error
}

func (c *Catalog) List(ctx context.Context, database string) ([]IngestedRecord, error) {
	var recs []IngestedRecord
	err := c.db.WithContext(ctx).
		Where("archive_db = ?", database).
		Order("name").
		Find(&recs).Error
	return recs, err
}
