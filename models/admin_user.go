package models

import (
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// AdminUser is a dashboard operator. Accounts are seeded from configuration
// with a precomputed bcrypt hash; the dashboard never stores plaintext.
type AdminUser struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Username     string     `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string     `gorm:"not null" json:"-"`
	IsActive     bool       `gorm:"default:true" json:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (u *AdminUser) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// AdminSession is a server-side session keyed by the cookie token.
type AdminSession struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	AdminUserID uint      `gorm:"index" json:"admin_user_id"`
	AdminUser   AdminUser `gorm:"foreignKey:AdminUserID" json:"-"`
	Token       string    `gorm:"uniqueIndex;not null" json:"-"`
	IPAddress   string    `json:"ip_address"`
	UserAgent   string    `json:"user_agent"`
	ExpiresAt   time.Time `gorm:"index" json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *AdminSession) IsExpired() bool {
	return s.ExpiredAt(time.Now())
}

func (s *AdminSession) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func MigrateAdminModels(db *gorm.DB) error {
	return db.AutoMigrate(&AdminUser{}, &AdminSession{})
}

// SeedDefaultAdminUser creates the dashboard operator when the table is
// empty. An empty passwordHash disables the dashboard login and seeds
// nothing; anything that is not a bcrypt hash is rejected.
func SeedDefaultAdminUser(db *gorm.DB, username, passwordHash string) error {
	if passwordHash == "" {
		return nil
	}
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return fmt.Errorf("admin password hash is not a bcrypt hash: %w", err)
	}

	var existing int64
	if err := db.Model(&AdminUser{}).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	return db.Create(&AdminUser{Username: username, PasswordHash: passwordHash, IsActive: true}).Error
}
