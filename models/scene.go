package models

import "time"

// SystemOwner marks shared standard scenes.
const SystemOwner = "system"

type Scene struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	UserID      *uint     `json:"user_id,omitempty" gorm:"index"` // nil for standard scenes
	Owner       string    `json:"owner" gorm:"not null;default:'user'"`
	Name        string    `json:"name" gorm:"not null"`
	Description string    `json:"description"`
	ImageURL    string    `json:"image_url" gorm:"not null"`
	IsStandard  bool      `json:"is_standard" gorm:"not null;default:false;index"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Scene) TableName() string {
	return "scenes"
}

// OwnedBy reports whether the scene is private to the given user.
func (s *Scene) OwnedBy(userID uint) bool {
	return !s.IsStandard && s.UserID != nil && *s.UserID == userID
}
