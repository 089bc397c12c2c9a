package models

import (
	"strings"
	"time"
)

// Layer ranks used to order garments when several are applied to one model.
const (
	LayerUnderwear = iota
	LayerBase
	LayerOuterwear
	LayerAccessory
)

var clothingLayers = map[string]int{
	"underwear": LayerUnderwear,
	"lingerie":  LayerUnderwear,
	"bra":       LayerUnderwear,
	"briefs":    LayerUnderwear,
	"socks":     LayerUnderwear,
	"swimwear":  LayerUnderwear,

	"top":      LayerBase,
	"t-shirt":  LayerBase,
	"shirt":    LayerBase,
	"blouse":   LayerBase,
	"sweater":  LayerBase,
	"dress":    LayerBase,
	"bottom":   LayerBase,
	"pants":    LayerBase,
	"trousers": LayerBase,
	"jeans":    LayerBase,
	"skirt":    LayerBase,
	"shorts":   LayerBase,

	"outerwear": LayerOuterwear,
	"jacket":    LayerOuterwear,
	"coat":      LayerOuterwear,
	"blazer":    LayerOuterwear,
	"hoodie":    LayerOuterwear,
	"cardigan":  LayerOuterwear,

	"accessory":   LayerAccessory,
	"accessories": LayerAccessory,
	"shoes":       LayerAccessory,
	"bag":         LayerAccessory,
	"hat":         LayerAccessory,
	"scarf":       LayerAccessory,
	"belt":        LayerAccessory,
	"jewelry":     LayerAccessory,
	"sunglasses":  LayerAccessory,
}

// ClothingLayer maps a clothing_type tag to its dressing layer. Unknown
// types are treated as base layers.
func ClothingLayer(clothingType string) int {
	if layer, ok := clothingLayers[strings.ToLower(strings.TrimSpace(clothingType))]; ok {
		return layer
	}
	return LayerBase
}

type Product struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	UserID           uint      `json:"user_id" gorm:"index;not null"`
	Name             string    `json:"name" gorm:"not null"`
	Description      string    `json:"description"`
	ImageURL         string    `json:"image_url" gorm:"not null"`
	PackshotFrontURL string    `json:"packshot_front_url"`
	PackshotBackURL  string    `json:"packshot_back_url"`
	ClothingType     string    `json:"clothing_type"`
	Tags             []string  `json:"tags" gorm:"serializer:json"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (Product) TableName() string {
	return "products"
}

// GarmentURL picks the cleanest available image of the product for try-on.
func (p *Product) GarmentURL() string {
	if p.PackshotFrontURL != "" {
		return p.PackshotFrontURL
	}
	return p.ImageURL
}
