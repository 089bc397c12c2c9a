package repository

import (
	"github.com/camden-git/campaignstudio/models"
	"gorm.io/gorm"
)

type GormSceneRepository struct {
	db *gorm.DB
}

func NewGormSceneRepository(db *gorm.DB) SceneRepository {
	return &GormSceneRepository{db: db}
}

func (r *GormSceneRepository) Create(scene *models.Scene) error {
	return r.db.Create(scene).Error
}

func (r *GormSceneRepository) accessible(userID uint) *gorm.DB {
	return r.db.Where("is_standard = ? OR user_id = ?", true, userID)
}

func (r *GormSceneRepository) GetAccessible(id, userID uint) (*models.Scene, error) {
	var scene models.Scene
	if err := r.accessible(userID).Where("id = ?", id).First(&scene).Error; err != nil {
		return nil, translate(err)
	}
	return &scene, nil
}

// ListAccessible returns standard scenes first, then the user's own.
func (r *GormSceneRepository) ListAccessible(userID uint) ([]models.Scene, error) {
	var scenes []models.Scene
	err := r.accessible(userID).Order("is_standard DESC, created_at ASC, id ASC").Find(&scenes).Error
	return scenes, err
}

func (r *GormSceneRepository) ListByIDs(userID uint, ids []uint) ([]models.Scene, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []models.Scene
	if err := r.accessible(userID).Where("id IN ?", ids).Find(&found).Error; err != nil {
		return nil, err
	}
	byID := make(map[uint]models.Scene, len(found))
	for _, s := range found {
		byID[s.ID] = s
	}
	ordered := make([]models.Scene, 0, len(found))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			ordered = append(ordered, s)
			delete(byID, id)
		}
	}
	return ordered, nil
}

func (r *GormSceneRepository) Delete(id, userID uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var scene models.Scene
		if err := tx.Where("id = ? AND (is_standard = ? OR user_id = ?)", id, true, userID).First(&scene).Error; err != nil {
			return translate(err)
		}
		if scene.IsStandard {
			return ErrStandardScene
		}
		if err := deleteGenerationsWhere(tx, "scene_id", id); err != nil {
			return err
		}
		return tx.Delete(&models.Scene{}, id).Error
	})
}
