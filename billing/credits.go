package billing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/camden-git/campaignstudio/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("credit amount must be positive")
	ErrUserNotFound        = errors.New("user not found")
)

const defaultHistoryLimit = 100

// CreditService moves credits and records every change in the ledger.
// Each change carries a unique reference; replaying a reference returns the
// original outcome instead of applying it twice.
type CreditService struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewCreditService(db *gorm.DB, log *zap.Logger) *CreditService {
	return &CreditService{db: db, log: log.Named("credits")}
}

func (s *CreditService) Balance(userID uint) (int, error) {
	var user models.User
	if err := s.db.Select("id", "credits").First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return user.Credits, nil
}

// Debit removes amount credits if the balance covers it. The check and the
// decrement are one conditional UPDATE, so concurrent debits cannot
// overdraw. Returns the balance after the debit.
func (s *CreditService) Debit(userID uint, amount int, reason, reference string) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return s.apply(userID, -amount, reason, reference)
}

// Credit adds amount credits. Returns the balance after the credit.
func (s *CreditService) Credit(userID uint, amount int, reason, reference string) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return s.apply(userID, amount, reason, reference)
}

func (s *CreditService) apply(userID uint, delta int, reason, reference string) (int, error) {
	if reference == "" {
		return 0, fmt.Errorf("credit change for user %d has no reference", userID)
	}

	var balance int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.CreditTransaction
		err := tx.Where("reference = ?", reference).Limit(1).Find(&existing).Error
		if err != nil {
			return err
		}
		if existing.ID != 0 {
			balance = existing.BalanceAfter
			return nil
		}

		q := tx.Model(&models.User{}).Where("id = ?", userID)
		if delta < 0 {
			q = q.Where("credits >= ?", -delta)
		}
		res := q.Update("credits", gorm.Expr("credits + ?", delta))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrUserNotFound
			}
			return ErrInsufficientCredits
		}

		var user models.User
		if err := tx.Select("id", "credits").First(&user, userID).Error; err != nil {
			return err
		}
		balance = user.Credits
		return tx.Create(&models.CreditTransaction{
			UserID:       userID,
			Amount:       delta,
			BalanceAfter: balance,
			Reason:       reason,
			Reference:    reference,
		}).Error
	})
	if err != nil {
		if isDuplicate(err) {
			// a concurrent call with the same reference committed first
			current, berr := s.Balance(userID)
			if berr != nil {
				return 0, berr
			}
			return current, nil
		}
		return 0, err
	}

	s.log.Debug("credit change applied",
		zap.Uint("user_id", userID),
		zap.Int("delta", delta),
		zap.String("reference", reference),
		zap.Int("balance", balance))
	return balance, nil
}

// History returns the most recent ledger entries, newest first.
func (s *CreditService) History(userID uint, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > defaultHistoryLimit {
		limit = defaultHistoryLimit
	}
	var entries []models.CreditTransaction
	err := s.db.Where("user_id = ?", userID).Order("id DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
