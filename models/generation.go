package models

import (
	"time"

	"gorm.io/datatypes"
)

// Generation status values.
const (
	GenerationRowPending   = "pending"
	GenerationRowCompleted = "completed"
	GenerationRowDegraded  = "degraded"
	GenerationRowFailed    = "failed"
)

// Generation modes recorded on history rows.
const (
	GenerationModeCampaign  = "campaign"
	GenerationModeVariation = "variation"
	GenerationModeVideo     = "video"
	GenerationModePoses     = "poses"
	GenerationModeAIModel   = "ai_model"
	GenerationModePackshot  = "packshot"
)

// Generation is one row per pipeline invocation, kept as an audit and history log.
type Generation struct {
	ID         uint              `json:"id" gorm:"primaryKey"`
	UserID     uint              `json:"user_id" gorm:"index;not null"`
	CampaignID *uint             `json:"campaign_id,omitempty" gorm:"index"`
	ProductID  *uint             `json:"product_id,omitempty" gorm:"index"`
	ProductIDs []uint            `json:"product_ids,omitempty" gorm:"-"`
	ModelID    *uint             `json:"model_id,omitempty" gorm:"index"`
	SceneID    *uint             `json:"scene_id,omitempty" gorm:"index"`
	Mode       string            `json:"mode" gorm:"not null;index"`
	Prompt     string            `json:"prompt"`
	Settings   datatypes.JSONMap `json:"settings"`
	InputURLs  []string          `json:"input_urls" gorm:"serializer:json"`
	OutputURLs []string          `json:"output_urls" gorm:"serializer:json"`
	VideoURLs  []string          `json:"video_urls" gorm:"serializer:json"`
	Status     string            `json:"status" gorm:"not null;default:'pending';index"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func (Generation) TableName() string {
	return "generations"
}

// GenerationProduct links a generation to every product it used. Label
// mode outfits put several products on one generation.
type GenerationProduct struct {
	GenerationID uint `gorm:"primaryKey"`
	ProductID    uint `gorm:"primaryKey;index"`
}

func (GenerationProduct) TableName() string {
	return "generation_products"
}

// Result kinds and statuses for campaign outputs.
const (
	ResultKindComposite = "composite"
	ResultKindBase      = "base"
	ResultKindVariation = "variation"

	ResultStatusSuccess  = "success"
	ResultStatusDegraded = "degraded"
)

// GenerationResult is one produced campaign image.
type GenerationResult struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	CampaignID   uint      `json:"campaign_id" gorm:"index;not null"`
	GenerationID uint      `json:"generation_id" gorm:"index;not null"`
	ProductIDs   []uint    `json:"product_ids" gorm:"serializer:json"`
	ModelID      uint      `json:"model_id"`
	SceneID      uint      `json:"scene_id"`
	ImageURL     string    `json:"image_url" gorm:"not null"`
	Kind         string    `json:"kind" gorm:"not null;default:'composite'"`
	Status       string    `json:"status" gorm:"not null;default:'success'"`
	Position     int       `json:"position" gorm:"not null;index"`
	CreatedAt    time.Time `json:"created_at"`
}

func (GenerationResult) TableName() string {
	return "generation_results"
}

// GeneratedImage is the client-facing shape of a campaign result.
type GeneratedImage struct {
	ResultID     uint      `json:"result_id"`
	GenerationID uint      `json:"generation_id"`
	ImageURL     string    `json:"image_url"`
	ProductIDs   []uint    `json:"product_ids"`
	ModelID      uint      `json:"model_id"`
	SceneID      uint      `json:"scene_id"`
	Kind         string    `json:"kind"`
	Degraded     bool      `json:"degraded"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r GenerationResult) AsGeneratedImage() GeneratedImage {
	return GeneratedImage{
		ResultID:     r.ID,
		GenerationID: r.GenerationID,
		ImageURL:     r.ImageURL,
		ProductIDs:   r.ProductIDs,
		ModelID:      r.ModelID,
		SceneID:      r.SceneID,
		Kind:         r.Kind,
		Degraded:     r.Status == ResultStatusDegraded,
		CreatedAt:    r.CreatedAt,
	}
}
