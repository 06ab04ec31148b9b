package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserCredits mirrors the user_credits table, one aggregate row per user.
type UserCredits struct {
	UserID             string    `gorm:"type:uuid;primaryKey"`
	CurrentCredits     int64     `gorm:"not null"`
	TotalEarnedCredits int64     `gorm:"not null"`
	TotalSpentCredits  int64     `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (UserCredits) TableName() string { return "user_credits" }

// CreditTransaction mirrors the credit_transactions table. Rows are append
// only; nothing in this store updates or deletes them.
type CreditTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	UserID        string         `gorm:"type:uuid;not null;index:idx_credit_tx_user_created,priority:1;index:uniq_credit_tx_user_reference,unique,priority:1"`
	Type          string         `gorm:"not null"`
	Amount        int64          `gorm:"not null"`
	BalanceBefore int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"not null"`
	Description   string         `gorm:"not null"`
	ReferenceID   *string        `gorm:"index:uniq_credit_tx_user_reference,unique,priority:2"`
	Metadata      datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_credit_tx_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}
