package repository

import (
	"strings"

	"github.com/camden-git/campaignstudio/models"
	"gorm.io/gorm"
)

type GormUserRepository struct {
	db *gorm.DB
}

func NewGormUserRepository(db *gorm.DB) UserRepository {
	return &GormUserRepository{db: db}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *GormUserRepository) Create(user *models.User) error {
	user.Email = normalizeEmail(user.Email)

	var count int64
	if err := r.db.Model(&models.User{}).Where("email = ?", user.Email).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateEmail
	}
	if err := r.db.Create(user).Error; err != nil {
		// lost the race with a concurrent registration
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return err
	}
	return nil
}

func (r *GormUserRepository) GetByID(id uint) (*models.User, error) {
	var user models.User
	if err := r.db.First(&user, id).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (r *GormUserRepository) GetByEmail(email string) (*models.User, error) {
	var user models.User
	if err := r.db.Where("email = ?", normalizeEmail(email)).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// Update saves profile fields. Credits are owned by the billing ledger and
// are never written here.
func (r *GormUserRepository) Update(user *models.User) error {
	return r.db.Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"name":                   user.Name,
		"subscription_tier":      user.SubscriptionTier,
		"subscription_status":    user.SubscriptionStatus,
		"subscription_renews_at": user.SubscriptionRenewsAt,
	}).Error
}

func (r *GormUserRepository) UpdatePassword(id uint, passwordHash string) error {
	res := r.db.Model(&models.User{}).Where("id = ?", id).Update("password_hash", passwordHash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
