package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User maps an external device identifier to a stable internal id.
type User struct {
	UserID    string    `gorm:"type:uuid;primaryKey"`
	DeviceID  string    `gorm:"not null;uniqueIndex:uniq_users_device"`
	CreatedAt time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

func (user *User) BeforeCreate(tx *gorm.DB) error {
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	return nil
}

// AdSession mirrors the ad_sessions table. Token is the primary key, so a
// token can never be issued twice.
type AdSession struct {
	Token     string    `gorm:"primaryKey;size:64"`
	DeviceID  string    `gorm:"not null;index:idx_sessions_device"`
	CreatedAt time.Time `gorm:"not null;index:idx_sessions_created"`
	Consumed  bool      `gorm:"not null;default:false"`
}

func (AdSession) TableName() string { return "ad_sessions" }

// RewardEntry mirrors the rewards table. The unique index on SessionToken is
// the idempotency anchor for the whole system.
type RewardEntry struct {
	RewardID     string         `gorm:"type:uuid;primaryKey"`
	UserID       string         `gorm:"type:uuid;not null;index:idx_rewards_user_day,priority:1"`
	AmountSats   int64          `gorm:"not null"`
	Day          string         `gorm:"size:10;not null;index:idx_rewards_user_day,priority:2;index:idx_rewards_day"`
	SessionToken string         `gorm:"size:64;not null;uniqueIndex:uniq_rewards_session"`
	Source       string         `gorm:"size:16;not null"`
	Metadata     datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt    time.Time      `gorm:"not null"`
}

func (RewardEntry) TableName() string { return "rewards" }

func (entry *RewardEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.RewardID == "" {
		entry.RewardID = uuid.NewString()
	}
	return nil
}
