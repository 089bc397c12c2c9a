package repository

import (
	"time"

	"github.com/camden-git/campaignstudio/models"
	"gorm.io/gorm"
)

type GormJobRepository struct {
	db *gorm.DB
}

func NewGormJobRepository(db *gorm.DB) JobRepository {
	return &GormJobRepository{db: db}
}

func (r *GormJobRepository) Create(job *models.GenerationJob) error {
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	return r.db.Create(job).Error
}

func (r *GormJobRepository) GetByID(id uint) (*models.GenerationJob, error) {
	var job models.GenerationJob
	if err := r.db.First(&job, id).Error; err != nil {
		return nil, translate(err)
	}
	return &job, nil
}

func (r *GormJobRepository) GetForUser(id, userID uint) (*models.GenerationJob, error) {
	var job models.GenerationJob
	if err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&job).Error; err != nil {
		return nil, translate(err)
	}
	return &job, nil
}

// MarkRunning records a new attempt and returns the updated job.
func (r *GormJobRepository) MarkRunning(id uint) (*models.GenerationJob, error) {
	now := time.Now()
	res := r.db.Model(&models.GenerationJob{}).
		Where("id = ? AND status IN ?", id, []string{models.JobStatusQueued, models.JobStatusRetrying}).
		Updates(map[string]interface{}{
			"status":      models.JobStatusRunning,
			"attempts":    gorm.Expr("attempts + 1"),
			"started_at":  now,
			"next_run_at": nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.GetByID(id)
}

func (r *GormJobRepository) MarkSucceeded(id uint, resultRef string) error {
	now := time.Now()
	return r.db.Model(&models.GenerationJob{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      models.JobStatusSucceeded,
		"result_ref":  resultRef,
		"last_error":  "",
		"finished_at": now,
	}).Error
}

func (r *GormJobRepository) MarkRetrying(id uint, lastError string, nextRunAt time.Time) error {
	return r.db.Model(&models.GenerationJob{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      models.JobStatusRetrying,
		"last_error":  lastError,
		"next_run_at": nextRunAt,
	}).Error
}

func (r *GormJobRepository) MarkFailed(id uint, lastError string) error {
	now := time.Now()
	return r.db.Model(&models.GenerationJob{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      models.JobStatusFailed,
		"last_error":  lastError,
		"finished_at": now,
	}).Error
}

// ListUnfinished returns jobs that must be resumed. Jobs caught running by a
// restart are put back into the queued state first.
func (r *GormJobRepository) ListUnfinished() ([]models.GenerationJob, error) {
	err := r.db.Model(&models.GenerationJob{}).
		Where("status = ?", models.JobStatusRunning).
		Update("status", models.JobStatusQueued).Error
	if err != nil {
		return nil, err
	}
	var jobs []models.GenerationJob
	err = r.db.Where("status IN ?", []string{models.JobStatusQueued, models.JobStatusRetrying}).
		Order("id ASC").
		Find(&jobs).Error
	return jobs, err
}
