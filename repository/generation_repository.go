package repository

import (
	"github.com/camden-git/campaignstudio/database"
	"github.com/camden-git/campaignstudio/models"
	"gorm.io/gorm"
)

type GormGenerationRepository struct {
	db *gorm.DB
}

func NewGormGenerationRepository(db *gorm.DB) GenerationRepository {
	return &GormGenerationRepository{db: db}
}

// Create stores the generation and links it to each product it used.
func (r *GormGenerationRepository) Create(generation *models.Generation) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(generation).Error; err != nil {
			return err
		}
		links := productLinks(generation)
		if len(links) == 0 {
			return nil
		}
		return tx.Create(&links).Error
	})
}

func productLinks(generation *models.Generation) []models.GenerationProduct {
	seen := make(map[uint]bool)
	var links []models.GenerationProduct
	add := func(id uint) {
		if id == 0 || seen[id] {
			return
		}
		seen[id] = true
		links = append(links, models.GenerationProduct{GenerationID: generation.ID, ProductID: id})
	}
	if generation.ProductID != nil {
		add(*generation.ProductID)
	}
	for _, id := range generation.ProductIDs {
		add(id)
	}
	return links
}

func (r *GormGenerationRepository) Update(generation *models.Generation) error {
	return r.db.Save(generation).Error
}

func (r *GormGenerationRepository) GetByID(id uint) (*models.Generation, error) {
	var generation models.Generation
	if err := r.db.First(&generation, id).Error; err != nil {
		return nil, translate(err)
	}
	return &generation, nil
}

func (r *GormGenerationRepository) GetForUser(id, userID uint) (*models.Generation, error) {
	var generation models.Generation
	if err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&generation).Error; err != nil {
		return nil, translate(err)
	}
	return &generation, nil
}

func (r *GormGenerationRepository) List(filter database.GenerationFilter) ([]models.Generation, error) {
	q, err := database.ApplyGenerationFilter(r.db.Model(&models.Generation{}), filter)
	if err != nil {
		return nil, err
	}
	var generations []models.Generation
	err = q.Find(&generations).Error
	return generations, err
}

// AppendVideoURL adds a clip to the generation's video list in a transaction.
func (r *GormGenerationRepository) AppendVideoURL(id uint, url string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var generation models.Generation
		if err := tx.First(&generation, id).Error; err != nil {
			return translate(err)
		}
		generation.VideoURLs = append(generation.VideoURLs, url)
		return tx.Model(&generation).Select("VideoURLs").Updates(&generation).Error
	})
}
