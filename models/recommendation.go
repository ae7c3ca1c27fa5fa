package models

import (
	"time"

	"gorm.io/gorm"
)

// Recommendation is one published stock pick list for a frequency (weekly, monthly).
type Recommendation struct {
	ID        uint               `gorm:"primaryKey" json:"id"`
	Frequency string             `gorm:"index:idx_freq_date;not null" json:"frequency"`
	Date      time.Time          `gorm:"index:idx_freq_date" json:"date"`
	Source    string             `json:"source"`
	Stocks    []RecommendedStock `gorm:"foreignKey:RecommendationID;constraint:OnDelete:CASCADE" json:"stocks"`
	CreatedAt time.Time          `json:"created_at"`
}

// RecommendedStock is one pick. Lower priority sorts first; nil sorts last.
type RecommendedStock struct {
	ID               uint   `gorm:"primaryKey" json:"-"`
	RecommendationID uint   `gorm:"index" json:"-"`
	StockID          string `gorm:"size:16" json:"id"`
	Name             string `json:"name,omitempty"`
	Priority         *int   `json:"priority,omitempty"`
}

// MigrateRecommendationModels runs database migrations for recommendation models
func MigrateRecommendationModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Recommendation{},
		&RecommendedStock{},
	)
}
