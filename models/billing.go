package models

import "time"

// CreditTransaction is an entry in the per-user credit ledger. Amount is
// negative for debits. Reference is unique so replays are detected.
type CreditTransaction struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	UserID       uint      `json:"user_id" gorm:"index;not null"`
	Amount       int       `json:"amount" gorm:"not null"`
	BalanceAfter int       `json:"balance_after" gorm:"not null"`
	Reason       string    `json:"reason" gorm:"not null"`
	Reference    string    `json:"reference" gorm:"uniqueIndex;not null"`
	CreatedAt    time.Time `json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transactions"
}

const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
)

type Payment struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	UserID      uint       `json:"user_id" gorm:"index;not null"`
	IntentID    string     `json:"intent_id" gorm:"uniqueIndex;not null"`
	Package     string     `json:"package" gorm:"not null"`
	Credits     int        `json:"credits" gorm:"not null"`
	AmountCents int64      `json:"amount_cents" gorm:"not null"`
	Currency    string     `json:"currency" gorm:"not null"`
	Status      string     `json:"status" gorm:"not null;default:'pending'"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}
