package models

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User is an account owning products, models, scenes and campaigns.
type User struct {
	ID                   uint       `json:"id" gorm:"primaryKey"`
	Email                string     `json:"email" gorm:"uniqueIndex;not null"`
	Name                 string     `json:"name"`
	PasswordHash         string     `json:"-" gorm:"not null"` // "-" means don't include in JSON responses
	Credits              int        `json:"credits" gorm:"not null;default:0"`
	SubscriptionTier     string     `json:"subscription_tier" gorm:"not null;default:'free'"`
	SubscriptionStatus   string     `json:"subscription_status" gorm:"not null;default:'inactive'"`
	SubscriptionRenewsAt *time.Time `json:"subscription_renews_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// SetPassword hashes the given password and sets it on the user model.
func (u *User) SetPassword(password string) error {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hashedPassword)
	return nil
}

// CheckPassword verifies if the given password matches the user's hashed password.
func (u *User) CheckPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
	return err == nil
}
