package database

import (
	"time"

	"gorm.io/gorm"
)

// PositionRepository handles handheld position database operations
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Create adds a new position record
func (r *PositionRepository) Create(rec *PositionRecord) error {
	return r.db.Create(rec).Error
}

// GetRecent retrieves the most recent N positions
func (r *PositionRepository) GetRecent(limit int) ([]PositionRecord, error) {
	var recs []PositionRecord
	err := r.db.Order("received_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

// GetLatest retrieves the most recent position
func (r *PositionRepository) GetLatest() (*PositionRecord, error) {
	var rec PositionRecord
	err := r.db.Order("received_at DESC").First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetByTimeRange retrieves positions received within a time range
func (r *PositionRepository) GetByTimeRange(start, end time.Time, limit int) ([]PositionRecord, error) {
	var recs []PositionRecord
	err := r.db.Where("received_at BETWEEN ? AND ?", start, end).
		Order("received_at DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

// DeleteOlderThan deletes positions received before the specified time
func (r *PositionRepository) DeleteOlderThan(before time.Time) (int64, error) {
	result := r.db.Where("received_at < ?", before).Delete(&PositionRecord{})
	return result.RowsAffected, result.Error
}

// Count returns the total number of stored positions
func (r *PositionRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&PositionRecord{}).Count(&count).Error
	return count, err
}
