// Package recommendation stores the weekly and monthly stock pick lists that
// drive the recommendation strategies.
package recommendation

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"tw_autotrade/models"
	"tw_autotrade/services/frame"
)

// Frequencies.
const (
	Weekly  = "weekly"
	Monthly = "monthly"
)

var (
	ErrNotFound         = errors.New("recommendation not found")
	ErrInvalidFrequency = errors.New("frequency must be weekly or monthly")
)

// DAO reads and writes recommendations through gorm.
type DAO struct {
	db *gorm.DB
}

func NewDAO(db *gorm.DB) *DAO {
	return &DAO{db: db}
}

// ValidFrequency reports whether f names a known recommendation list.
func ValidFrequency(f string) bool {
	return f == Weekly || f == Monthly
}

// Load returns every recommendation of a frequency, oldest first, stocks preloaded.
func (d *DAO) Load(ctx context.Context, frequency string) ([]models.Recommendation, error) {
	if !ValidFrequency(frequency) {
		return nil, ErrInvalidFrequency
	}
	var recs []models.Recommendation
	err := d.db.WithContext(ctx).
		Preload("Stocks", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("frequency = ?", frequency).
		Order("date ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load %s recommendations: %w", frequency, err)
	}
	return recs, nil
}

// Latest returns the newest recommendation of a frequency.
func (d *DAO) Latest(ctx context.Context, frequency string) (*models.Recommendation, error) {
	if !ValidFrequency(frequency) {
		return nil, ErrInvalidFrequency
	}
	var rec models.Recommendation
	err := d.db.WithContext(ctx).
		Preload("Stocks", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("frequency = ?", frequency).
		Order("date DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save stores rec. A list already stored for the same frequency and date is
// replaced, stocks included.
func (d *DAO) Save(ctx context.Context, rec *models.Recommendation) error {
	if !ValidFrequency(rec.Frequency) {
		return ErrInvalidFrequency
	}
	if rec.Date.IsZero() {
		return errors.New("recommendation date is required")
	}
	rec.Date = frame.Day(rec.Date)

	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Recommendation
		err := tx.Where("frequency = ? AND date = ?", rec.Frequency, rec.Date).First(&existing).Error
		switch {
		case err == nil:
			if err := tx.Where("recommendation_id = ?", existing.ID).Delete(&models.RecommendedStock{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&existing).Error; err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		rec.ID = 0
		for i := range rec.Stocks {
			rec.Stocks[i].ID = 0
			rec.Stocks[i].RecommendationID = 0
		}
		return tx.Create(rec).Error
	})
}
