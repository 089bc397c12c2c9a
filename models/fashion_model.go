package models

import "time"

// FashionModel is a virtual model that garments are tried on. Poses holds
// additional pose images; entries are removed by index.
type FashionModel struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UserID    uint      `json:"user_id" gorm:"index;not null"`
	Name      string    `json:"name" gorm:"not null"`
	Gender    string    `json:"gender"`
	ImageURL  string    `json:"image_url" gorm:"not null"`
	Poses     []string  `json:"poses" gorm:"serializer:json"`
	Generated bool      `json:"generated" gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (FashionModel) TableName() string {
	return "models"
}
