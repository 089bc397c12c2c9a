package repository

import (
	"errors"
	"strings"

	"github.com/camden-git/campaignstudio/models"
	"gorm.io/gorm"
)

// translate maps GORM errors onto the package sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// deleteGenerationsWhere removes generation rows matching column = id along
// with the campaign results produced by them.
func deleteGenerationsWhere(tx *gorm.DB, column string, id uint) error {
	var ids []uint
	if err := tx.Model(&models.Generation{}).Where(column+" = ?", id).Pluck("id", &ids).Error; err != nil {
		return err
	}
	return deleteGenerations(tx, ids)
}

func deleteGenerations(tx *gorm.DB, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	if err := tx.Where("generation_id IN ?", ids).Delete(&models.GenerationResult{}).Error; err != nil {
		return err
	}
	if err := tx.Where("generation_id IN ?", ids).Delete(&models.GenerationProduct{}).Error; err != nil {
		return err
	}
	return tx.Where("id IN ?", ids).Delete(&models.Generation{}).Error
}
