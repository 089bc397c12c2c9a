package repository

import (
	"time"

	"github.com/camden-git/campaignstudio/models"
	"gorm.io/gorm"
)

type GormCampaignRepository struct {
	db *gorm.DB
}

func NewGormCampaignRepository(db *gorm.DB) CampaignRepository {
	return &GormCampaignRepository{db: db}
}

func orderedResults(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC, id ASC")
}

func (r *GormCampaignRepository) Create(campaign *models.Campaign) error {
	return r.db.Omit("Results").Create(campaign).Error
}

func (r *GormCampaignRepository) GetByID(id uint) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := r.db.Preload("Results", orderedResults).First(&campaign, id).Error; err != nil {
		return nil, translate(err)
	}
	return &campaign, nil
}

func (r *GormCampaignRepository) GetForUser(id, userID uint) (*models.Campaign, error) {
	var campaign models.Campaign
	err := r.db.Preload("Results", orderedResults).
		Where("id = ? AND user_id = ?", id, userID).
		First(&campaign).Error
	if err != nil {
		return nil, translate(err)
	}
	return &campaign, nil
}

func (r *GormCampaignRepository) ListByUser(userID uint) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	err := r.db.Preload("Results", orderedResults).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&campaigns).Error
	return campaigns, err
}

// Update writes user-editable fields only; run state is owned by the pipeline.
func (r *GormCampaignRepository) Update(campaign *models.Campaign) error {
	return r.db.Model(campaign).Select("Name", "Description", "Settings", "Status").Updates(campaign).Error
}

func (r *GormCampaignRepository) Delete(id, userID uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var campaign models.Campaign
		if err := tx.Where("id = ? AND user_id = ?", id, userID).First(&campaign).Error; err != nil {
			return translate(err)
		}
		if err := tx.Where("campaign_id = ?", id).Delete(&models.GenerationResult{}).Error; err != nil {
			return err
		}
		if err := deleteGenerationsWhere(tx, "campaign_id", id); err != nil {
			return err
		}
		if err := tx.Where("kind = ? AND target_id = ?", models.JobKindCampaign, id).Delete(&models.GenerationJob{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Campaign{}, id).Error
	})
}

// BeginRun atomically moves a campaign into processing. A campaign that is
// already processing is left untouched and ErrAlreadyRunning is returned.
func (r *GormCampaignRepository) BeginRun(id uint, total int) error {
	now := time.Now()
	res := r.db.Model(&models.Campaign{}).
		Where("id = ? AND status <> ?", id, models.CampaignStatusProcessing).
		Updates(map[string]interface{}{
			"status":            models.CampaignStatusProcessing,
			"generation_status": models.GenerationStatusGenerating,
			"progress":          0,
			"total":             total,
			"last_error":        "",
			"started_at":        now,
			"completed_at":      nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.Model(&models.Campaign{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrAlreadyRunning
	}
	return nil
}

func (r *GormCampaignRepository) UpdateProgress(id uint, progress int) error {
	return r.db.Model(&models.Campaign{}).Where("id = ?", id).Updates(map[string]interface{}{
		"progress":          progress,
		"generation_status": models.GenerationStatusGenerating,
	}).Error
}

func (r *GormCampaignRepository) Finish(id uint, status, generationStatus, lastError string) error {
	now := time.Now()
	return r.db.Model(&models.Campaign{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":            status,
		"generation_status": generationStatus,
		"last_error":        lastError,
		"completed_at":      now,
	}).Error
}

// Reject fails a campaign whose run could not start. A campaign that is
// processing belongs to another run and is left alone; the result reports
// whether the campaign changed.
func (r *GormCampaignRepository) Reject(id uint, lastError string) (bool, error) {
	res := r.db.Model(&models.Campaign{}).
		Where("id = ? AND status <> ?", id, models.CampaignStatusProcessing).
		Updates(map[string]interface{}{
			"status":            models.CampaignStatusFailed,
			"generation_status": models.GenerationStatusFailed,
			"last_error":        lastError,
			"completed_at":      time.Now(),
		})
	return res.RowsAffected > 0, res.Error
}

// ResetInterrupted fails campaigns left in processing by a previous process.
func (r *GormCampaignRepository) ResetInterrupted() (int64, error) {
	res := r.db.Model(&models.Campaign{}).
		Where("status = ?", models.CampaignStatusProcessing).
		Updates(map[string]interface{}{
			"status":            models.CampaignStatusFailed,
			"generation_status": models.GenerationStatusFailed,
			"last_error":        "interrupted by restart",
		})
	return res.RowsAffected, res.Error
}

// AddResult appends a result at the next position for its campaign.
func (r *GormCampaignRepository) AddResult(result *models.GenerationResult) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var next int
		err := tx.Model(&models.GenerationResult{}).
			Where("campaign_id = ?", result.CampaignID).
			Select("COALESCE(MAX(position), -1) + 1").
			Scan(&next).Error
		if err != nil {
			return err
		}
		result.Position = next
		return tx.Create(result).Error
	})
}

func (r *GormCampaignRepository) ClearResults(campaignID uint) error {
	return r.db.Where("campaign_id = ?", campaignID).Delete(&models.GenerationResult{}).Error
}
