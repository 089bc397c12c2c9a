package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/camden-git/campaignstudio/models"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrUnknownPackage      = errors.New("unknown credit package")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrPaymentNotSucceeded = errors.New("payment has not succeeded")
)

// Package is a purchasable bundle of credits.
type Package struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Credits     int    `json:"credits"`
	AmountCents int64  `json:"amount_cents"`
}

var Packages = []Package{
	{ID: "starter", Name: "Starter", Credits: 100, AmountCents: 999},
	{ID: "pro", Name: "Pro", Credits: 500, AmountCents: 3999},
	{ID: "studio", Name: "Studio", Credits: 2000, AmountCents: 12999},
}

func FindPackage(id string) (Package, bool) {
	for _, p := range Packages {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}

// Intent is the gateway-neutral view of a payment intent.
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
	AmountCents  int64
	Currency     string
}

// IntentSucceeded is the status a confirmed intent must report.
const IntentSucceeded = string(stripe.PaymentIntentStatusSucceeded)

type PaymentGateway interface {
	CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (Intent, error)
	GetIntent(ctx context.Context, id string) (Intent, error)
}

// StripeGateway creates and reads Stripe payment intents.
type StripeGateway struct{}

func NewStripeGateway(secretKey string) *StripeGateway {
	stripe.Key = secretKey
	return &StripeGateway{}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe create intent: %w", err)
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) GetIntent(ctx context.Context, id string) (Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(id, params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe get intent %s: %w", id, err)
	}
	return intentFromStripe(pi), nil
}

func intentFromStripe(pi *stripe.PaymentIntent) Intent {
	return Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
	}
}

// PaymentService sells credit packages through a PaymentGateway.
type PaymentService struct {
	db       *gorm.DB
	gateway  PaymentGateway
	credits  *CreditService
	currency string
	log      *zap.Logger
}

func NewPaymentService(db *gorm.DB, gateway PaymentGateway, credits *CreditService, currency string, log *zap.Logger) *PaymentService {
	return &PaymentService{db: db, gateway: gateway, credits: credits, currency: currency, log: log.Named("payments")}
}

// CreateIntent opens a payment for a package and records it as pending.
func (s *PaymentService) CreateIntent(ctx context.Context, userID uint, packageID string) (*models.Payment, Intent, error) {
	pkg, ok := FindPackage(packageID)
	if !ok {
		return nil, Intent{}, ErrUnknownPackage
	}
	intent, err := s.gateway.CreateIntent(ctx, pkg.AmountCents, s.currency, map[string]string{
		"user_id": strconv.FormatUint(uint64(userID), 10),
		"package": pkg.ID,
	})
	if err != nil {
		return nil, Intent{}, err
	}
	payment := &models.Payment{
		UserID:      userID,
		IntentID:    intent.ID,
		Package:     pkg.ID,
		Credits:     pkg.Credits,
		AmountCents: pkg.AmountCents,
		Currency:    s.currency,
		Status:      models.PaymentStatusPending,
	}
	if err := s.db.Create(payment).Error; err != nil {
		return nil, Intent{}, fmt.Errorf("failed to record payment: %w", err)
	}
	s.log.Info("payment intent created", zap.Uint("user_id", userID), zap.String("package", pkg.ID), zap.String("intent_id", intent.ID))
	return payment, intent, nil
}

// Confirm grants the package credits once the gateway reports success.
// Confirming an already confirmed payment grants nothing more.
func (s *PaymentService) Confirm(ctx context.Context, userID uint, intentID string) (*models.Payment, int, error) {
	var payment models.Payment
	err := s.db.Where("intent_id = ? AND user_id = ?", intentID, userID).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, ErrPaymentNotFound
		}
		return nil, 0, err
	}

	if payment.Status != models.PaymentStatusSucceeded {
		intent, err := s.gateway.GetIntent(ctx, intentID)
		if err != nil {
			return nil, 0, err
		}
		if intent.Status != IntentSucceeded {
			return nil, 0, fmt.Errorf("%w: status %s", ErrPaymentNotSucceeded, intent.Status)
		}
	}

	balance, err := s.credits.Credit(userID, payment.Credits, "purchase:"+payment.Package, "payment:"+intentID)
	if err != nil {
		return nil, 0, err
	}

	if payment.Status != models.PaymentStatusSucceeded {
		now := time.Now()
		err = s.db.Model(&models.Payment{}).
			Where("id = ? AND status = ?", payment.ID, models.PaymentStatusPending).
			Updates(map[string]interface{}{"status": models.PaymentStatusSucceeded, "confirmed_at": now}).Error
		if err != nil {
			return nil, 0, err
		}
		payment.Status = models.PaymentStatusSucceeded
		payment.ConfirmedAt = &now
		s.log.Info("payment confirmed", zap.Uint("user_id", userID), zap.String("intent_id", intentID), zap.Int("credits", payment.Credits))
	}
	return &payment, balance, nil
}
