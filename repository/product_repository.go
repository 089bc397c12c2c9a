package repository

import (
	"github.com/camden-git/campaignstudio/models"
	"gorm.io/gorm"
)

type GormProductRepository struct {
	db *gorm.DB
}

func NewGormProductRepository(db *gorm.DB) ProductRepository {
	return &GormProductRepository{db: db}
}

func (r *GormProductRepository) Create(product *models.Product) error {
	return r.db.Create(product).Error
}

func (r *GormProductRepository) GetForUser(id, userID uint) (*models.Product, error) {
	var product models.Product
	if err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&product).Error; err != nil {
		return nil, translate(err)
	}
	return &product, nil
}

func (r *GormProductRepository) ListByUser(userID uint) ([]models.Product, error) {
	var products []models.Product
	err := r.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&products).Error
	return products, err
}

// ListByIDs returns the user's products in the order of ids, skipping
// unknown or foreign ones.
func (r *GormProductRepository) ListByIDs(userID uint, ids []uint) ([]models.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []models.Product
	if err := r.db.Where("user_id = ? AND id IN ?", userID, ids).Find(&found).Error; err != nil {
		return nil, err
	}
	byID := make(map[uint]models.Product, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	ordered := make([]models.Product, 0, len(found))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			ordered = append(ordered, p)
			delete(byID, id)
		}
	}
	return ordered, nil
}

func (r *GormProductRepository) Update(product *models.Product) error {
	return r.db.Save(product).Error
}

func (r *GormProductRepository) Delete(id, userID uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var product models.Product
		if err := tx.Where("id = ? AND user_id = ?", id, userID).First(&product).Error; err != nil {
			return translate(err)
		}
		// Outfit generations reference the product only through the link table.
		var ids []uint
		linked := tx.Model(&models.GenerationProduct{}).Select("generation_id").Where("product_id = ?", id)
		if err := tx.Model(&models.Generation{}).
			Where("product_id = ? OR id IN (?)", id, linked).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if err := deleteGenerations(tx, ids); err != nil {
			return err
		}
		return tx.Delete(&models.Product{}, id).Error
	})
}
