package repository

import (
	"github.com/camden-git/campaignstudio/models"
	"gorm.io/gorm"
)

type GormModelRepository struct {
	db *gorm.DB
}

func NewGormModelRepository(db *gorm.DB) ModelRepository {
	return &GormModelRepository{db: db}
}

func (r *GormModelRepository) Create(model *models.FashionModel) error {
	if model.Poses == nil {
		model.Poses = []string{}
	}
	return r.db.Create(model).Error
}

func (r *GormModelRepository) GetByID(id uint) (*models.FashionModel, error) {
	var model models.FashionModel
	if err := r.db.First(&model, id).Error; err != nil {
		return nil, translate(err)
	}
	return &model, nil
}

func (r *GormModelRepository) GetForUser(id, userID uint) (*models.FashionModel, error) {
	var model models.FashionModel
	if err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&model).Error; err != nil {
		return nil, translate(err)
	}
	return &model, nil
}

func (r *GormModelRepository) ListByUser(userID uint) ([]models.FashionModel, error) {
	var list []models.FashionModel
	err := r.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&list).Error
	return list, err
}

func (r *GormModelRepository) ListByIDs(userID uint, ids []uint) ([]models.FashionModel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []models.FashionModel
	if err := r.db.Where("user_id = ? AND id IN ?", userID, ids).Find(&found).Error; err != nil {
		return nil, err
	}
	byID := make(map[uint]models.FashionModel, len(found))
	for _, m := range found {
		byID[m.ID] = m
	}
	ordered := make([]models.FashionModel, 0, len(found))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			ordered = append(ordered, m)
			delete(byID, id)
		}
	}
	return ordered, nil
}

// ListWithPoses returns every model that has at least one pose recorded.
func (r *GormModelRepository) ListWithPoses() ([]models.FashionModel, error) {
	var list []models.FashionModel
	err := r.db.Where("poses IS NOT NULL AND poses <> ? AND poses <> ?", "[]", "null").Find(&list).Error
	return list, err
}

func (r *GormModelRepository) Update(model *models.FashionModel) error {
	return r.db.Save(model).Error
}

func (r *GormModelRepository) Delete(id, userID uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var model models.FashionModel
		if err := tx.Where("id = ? AND user_id = ?", id, userID).First(&model).Error; err != nil {
			return translate(err)
		}
		if err := deleteGenerationsWhere(tx, "model_id", id); err != nil {
			return err
		}
		return tx.Delete(&models.FashionModel{}, id).Error
	})
}

// AppendPoses adds pose URLs inside a transaction so concurrent appends do
// not overwrite each other. Returns the new pose list.
func (r *GormModelRepository) AppendPoses(id uint, urls []string) ([]string, error) {
	var poses []string
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var model models.FashionModel
		if err := tx.First(&model, id).Error; err != nil {
			return translate(err)
		}
		model.Poses = append(model.Poses, urls...)
		poses = model.Poses
		return tx.Model(&model).Select("Poses").Updates(&model).Error
	})
	return poses, err
}

func (r *GormModelRepository) RemovePose(id, userID uint, index int) ([]string, error) {
	var poses []string
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var model models.FashionModel
		if err := tx.Where("id = ? AND user_id = ?", id, userID).First(&model).Error; err != nil {
			return translate(err)
		}
		if index < 0 || index >= len(model.Poses) {
			return ErrPoseIndex
		}
		model.Poses = append(model.Poses[:index], model.Poses[index+1:]...)
		poses = model.Poses
		return tx.Model(&model).Select("Poses").Updates(&model).Error
	})
	return poses, err
}

// ExpirePoses blanks every pose whose URL is in urls. Entries are matched
// by value on a fresh read so appends and removals made since the caller
// listed the model survive, and the remaining poses keep their indexes.
// Returns how many entries were blanked.
func (r *GormModelRepository) ExpirePoses(id uint, urls []string) (int, error) {
	gone := make(map[string]bool, len(urls))
	for _, u := range urls {
		if u != "" {
			gone[u] = true
		}
	}
	blanked := 0
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var model models.FashionModel
		if err := tx.First(&model, id).Error; err != nil {
			return translate(err)
		}
		for i, u := range model.Poses {
			if gone[u] {
				model.Poses[i] = ""
				blanked++
			}
		}
		if blanked == 0 {
			return nil
		}
		return tx.Model(&model).Select("Poses").Updates(&model).Error
	})
	return blanked, err
}
