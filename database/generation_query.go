package database

import (
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"gorm.io/gorm"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// GenerationFilter narrows the generation history listing.
type GenerationFilter struct {
	UserID     uint
	CampaignID *uint
	ModelID    *uint
	Mode       string
	Status     string
	Since      *time.Time
	Sort       string
	Limit      int
	Offset     int
}

// whereClause builds the filter predicate. Placeholders are '?' which GORM
// rewrites for the active dialect.
func (f GenerationFilter) whereClause() (string, []interface{}, error) {
	cond := sq.And{sq.Eq{"user_id": f.UserID}}
	if f.CampaignID != nil {
		cond = append(cond, sq.Eq{"campaign_id": *f.CampaignID})
	}
	if f.ModelID != nil {
		cond = append(cond, sq.Eq{"model_id": *f.ModelID})
	}
	if f.Mode != "" {
		cond = append(cond, sq.Eq{"mode": f.Mode})
	}
	if f.Status != "" {
		cond = append(cond, sq.Eq{"status": f.Status})
	}
	if f.Since != nil {
		cond = append(cond, sq.GtOrEq{"created_at": *f.Since})
	}
	sqlStr, args, err := cond.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build generation filter: %w", err)
	}
	return sqlStr, args, nil
}

// ApplyGenerationFilter scopes a query on the generations table.
func ApplyGenerationFilter(db *gorm.DB, f GenerationFilter) (*gorm.DB, error) {
	where, args, err := f.whereClause()
	if err != nil {
		return nil, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	order := "created_at DESC, id DESC"
	if f.Sort == SortOldest {
		order = "created_at ASC, id ASC"
	}

	return db.Where(where, args...).Order(order).Limit(limit).Offset(offset), nil
}
