package database

import (
	"time"

	"gorm.io/gorm"
)

// CollarFixRepository handles collar fix database operations
type CollarFixRepository struct {
	db *gorm.DB
}

// NewCollarFixRepository creates a new collar fix repository
func NewCollarFixRepository(db *gorm.DB) *CollarFixRepository {
	return &CollarFixRepository{db: db}
}

// Create adds a new collar fix
func (r *CollarFixRepository) Create(fix *CollarFix) error {
	return r.db.Create(fix).Error
}

// GetRecent retrieves the most recent N fixes across all collars
func (r *CollarFixRepository) GetRecent(limit int) ([]CollarFix, error) {
	var fixes []CollarFix
	err := r.db.Order("received_at DESC").Limit(limit).Find(&fixes).Error
	return fixes, err
}

// GetByCollarID retrieves the most recent N fixes for one collar
func (r *CollarFixRepository) GetByCollarID(collarID int16, limit int) ([]CollarFix, error) {
	var fixes []CollarFix
	err := r.db.Where("collar_id = ?", collarID).
		Order("received_at DESC").
		Limit(limit).
		Find(&fixes).Error
	return fixes, err
}

// GetByTimeRange retrieves fixes received within a time range
func (r *CollarFixRepository) GetByTimeRange(start, end time.Time, limit int) ([]CollarFix, error) {
	var fixes []CollarFix
	err := r.db.Where("received_at BETWEEN ? AND ?", start, end).
		Order("received_at DESC").
		Limit(limit).
		Find(&fixes).Error
	return fixes, err
}

// DeleteOlderThan deletes fixes received before the specified time
func (r *CollarFixRepository) DeleteOlderThan(before time.Time) (int64, error) {
	result := r.db.Where("received_at < ?", before).Delete(&CollarFix{})
	return result.RowsAffected, result.Error
}

// CollarIDs returns every collar ID with at least one stored fix
func (r *CollarFixRepository) CollarIDs() ([]int16, error) {
	var ids []int16
	err := r.db.Model(&CollarFix{}).
		Distinct("collar_id").
		Order("collar_id").
		Pluck("collar_id", &ids).Error
	return ids, err
}

// Count returns the total number of stored fixes
func (r *CollarFixRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&CollarFix{}).Count(&count).Error
	return count, err
}
