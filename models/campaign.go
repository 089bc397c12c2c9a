package models

import "time"

// Campaign status values.
const (
	CampaignStatusDraft      = "draft"
	CampaignStatusPreview    = "preview"
	CampaignStatusProcessing = "processing"
	CampaignStatusCompleted  = "completed"
	CampaignStatusFailed     = "failed"
)

// Campaign generation_status values, updated after every produced image.
const (
	GenerationStatusIdle       = "idle"
	GenerationStatusGenerating = "generating"
	GenerationStatusCompleted  = "completed"
	GenerationStatusFailed     = "failed"
)

const (
	ModeStandard = "standard"
	ModeLabel    = "label" // all selected products worn together as one outfit

	QualityStandard = "standard"
	QualityHigh     = "high"

	StrategyCrossProduct   = "cross_product"
	StrategyBaseVariations = "base_variations"

	DefaultVariations = 3
	MaxVariations     = 8
)

// CampaignSettings holds the selection a campaign run works from.
type CampaignSettings struct {
	ProductIDs    []uint         `json:"product_ids"`
	ModelIDs      []uint         `json:"model_ids"`
	SceneIDs      []uint         `json:"scene_ids"`
	SelectedPoses map[uint][]int `json:"selected_poses,omitempty"` // model id -> pose indexes
	Mode          string         `json:"mode"`
	Quality       string         `json:"quality"`
	Strategy      string         `json:"strategy"`
	Variations    int            `json:"variations,omitempty"`
	Prompt        string         `json:"prompt,omitempty"`
}

// Normalize fills defaults and clamps out of range values.
func (s *CampaignSettings) Normalize() {
	if s.Mode != ModeLabel {
		s.Mode = ModeStandard
	}
	if s.Quality != QualityHigh {
		s.Quality = QualityStandard
	}
	if s.Strategy != StrategyBaseVariations {
		s.Strategy = StrategyCrossProduct
	}
	if s.Variations <= 0 {
		s.Variations = DefaultVariations
	}
	if s.Variations > MaxVariations {
		s.Variations = MaxVariations
	}
}

// HasSelection reports whether a run would have anything to combine.
func (s *CampaignSettings) HasSelection() bool {
	return len(s.ProductIDs) > 0 && len(s.ModelIDs) > 0 && len(s.SceneIDs) > 0
}

type Campaign struct {
	ID               uint               `json:"id" gorm:"primaryKey"`
	UserID           uint               `json:"user_id" gorm:"index;not null"`
	Name             string             `json:"name" gorm:"not null"`
	Description      string             `json:"description"`
	Status           string             `json:"status" gorm:"not null;default:'draft';index"`
	GenerationStatus string             `json:"generation_status" gorm:"not null;default:'idle'"`
	Settings         CampaignSettings   `json:"settings" gorm:"serializer:json"`
	Progress         int                `json:"progress" gorm:"not null;default:0"`
	Total            int                `json:"total" gorm:"not null;default:0"`
	LastError        string             `json:"last_error,omitempty"`
	Results          []GenerationResult `json:"-" gorm:"foreignKey:CampaignID"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

// GeneratedImages renders the ordered result list clients know as generated_images.
func (c *Campaign) GeneratedImages() []GeneratedImage {
	images := make([]GeneratedImage, 0, len(c.Results))
	for _, r := range c.Results {
		images = append(images, r.AsGeneratedImage())
	}
	return images
}
