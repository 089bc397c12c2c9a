package handlers

import (
	"errors"
	"net/http"

	"github.com/camden-git/campaignstudio/billing"
	"go.uber.org/zap"
)

type BillingHandler struct {
	Credits  *billing.CreditService
	Payments *billing.PaymentService // nil when Stripe is not configured
	Log      *zap.Logger
}

type createIntentPayload struct {
	PackageID string `json:"package_id"`
}

type confirmPayload struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

// GetCredits returns the balance and the most recent ledger entries.
func (h *BillingHandler) GetCredits(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	balance, err := h.Credits.Balance(user.ID)
	if err != nil {
		writeServiceError(w, h.Log, err, "credits")
		return
	}
	history, err := h.Credits.History(user.ID, queryInt(r, "limit", 50))
	if err != nil {
		writeServiceError(w, h.Log, err, "credits")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":      balance,
		"transactions": history,
	})
}

func (h *BillingHandler) ListPackages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, billing.Packages)
}

func (h *BillingHandler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	if h.Payments == nil {
		WriteAPIError(w, http.StatusServiceUnavailable, CodeUnavailable, "payments are not configured")
		return
	}
	var payload createIntentPayload
	if err := decodeJSON(r, &payload); err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request payload")
		return
	}
	payment, intent, err := h.Payments.CreateIntent(r.Context(), currentUser(r).ID, payload.PackageID)
	if err != nil {
		if errors.Is(err, billing.ErrUnknownPackage) {
			WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
		writeServiceError(w, h.Log, err, "payment")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"payment":           payment,
		"payment_intent_id": intent.ID,
		"client_secret":     intent.ClientSecret,
		"amount_cents":      intent.AmountCents,
		"currency":          intent.Currency,
	})
}

// Confirm grants the package credits once the intent has succeeded.
// Confirming the same intent again returns the same balance.
func (h *BillingHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	if h.Payments == nil {
		WriteAPIError(w, http.StatusServiceUnavailable, CodeUnavailable, "payments are not configured")
		return
	}
	var payload confirmPayload
	if err := decodeJSON(r, &payload); err != nil || payload.PaymentIntentID == "" {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "payment_intent_id is required")
		return
	}
	payment, balance, err := h.Payments.Confirm(r.Context(), currentUser(r).ID, payload.PaymentIntentID)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrPaymentNotFound):
			WriteAPIError(w, http.StatusNotFound, CodeNotFound, err.Error())
		case errors.Is(err, billing.ErrPaymentNotSucceeded):
			WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		default:
			writeServiceError(w, h.Log, err, "payment")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payment": payment,
		"balance": balance,
	})
}
