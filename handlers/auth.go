package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/camden-git/campaignstudio/models"
	"github.com/camden-git/campaignstudio/notify"
	"github.com/camden-git/campaignstudio/repository"
	"go.uber.org/zap"
)

const minPasswordLength = 8

// CreditGranter adds credits idempotently per reference.
type CreditGranter interface {
	Credit(userID uint, amount int, reason, reference string) (int, error)
}

type AuthHandler struct {
	UserRepo      repository.UserRepository
	Credits       CreditGranter
	Mailer        notify.Mailer
	Tokens        *Tokens
	SignupCredits int
	Log           *zap.Logger
}

type LoginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string      `json:"token"`
	TokenType string      `json:"token_type"`
	User      models.User `json:"user"`
	ExpiresAt time.Time   `json:"expires_at"`
}

type RegisterPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type ChangePasswordPayload struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// Register creates an account, grants the signup credits and sends the
// welcome mail. A registered email answers 409.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var payload RegisterPayload
	if err := decodeJSON(r, &payload); err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request payload")
		return
	}
	payload.Email = strings.TrimSpace(payload.Email)
	if _, err := mail.ParseAddress(payload.Email); err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "a valid email is required")
		return
	}
	if len(payload.Password) < minPasswordLength {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("password must be at least %d characters", minPasswordLength))
		return
	}

	user := &models.User{Email: payload.Email, Name: strings.TrimSpace(payload.Name)}
	if err := user.SetPassword(payload.Password); err != nil {
		writeServiceError(w, h.Log, err, "user")
		return
	}
	if err := h.UserRepo.Create(user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			WriteAPIError(w, http.StatusConflict, CodeConflict, "email already registered")
			return
		}
		writeServiceError(w, h.Log, err, "user")
		return
	}

	if h.SignupCredits > 0 {
		balance, err := h.Credits.Credit(user.ID, h.SignupCredits, "signup bonus", fmt.Sprintf("signup:%d", user.ID))
		if err != nil {
			h.Log.Error("failed to grant signup credits", zap.Uint("user_id", user.ID), zap.Error(err))
		} else {
			user.Credits = balance
		}
	}

	msg := notify.WelcomeMessage(user.Name, user.Email, user.Credits)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.Mailer.Send(ctx, msg); err != nil {
			h.Log.Warn("welcome mail not sent", zap.Uint("user_id", user.ID), zap.Error(err))
		}
	}()

	h.Log.Info("user registered", zap.Uint("user_id", user.ID))
	h.respondWithToken(w, http.StatusCreated, user)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var payload LoginPayload
	if err := decodeJSON(r, &payload); err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request payload")
		return
	}

	user, err := h.UserRepo.GetByEmail(payload.Email)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			h.Log.Error("login lookup failed", zap.Error(err))
		}
		WriteAPIError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid email or password")
		return
	}
	if !user.CheckPassword(payload.Password) {
		WriteAPIError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid email or password")
		return
	}
	h.respondWithToken(w, http.StatusOK, user)
}

func (h *AuthHandler) respondWithToken(w http.ResponseWriter, status int, user *models.User) {
	token, expiresAt, err := h.Tokens.Issue(user.ID)
	if err != nil {
		writeServiceError(w, h.Log, err, "token")
		return
	}
	writeJSON(w, status, LoginResponse{
		Token:     token,
		TokenType: "bearer",
		User:      *user,
		ExpiresAt: expiresAt,
	})
}

// CurrentUser returns the authenticated user with a fresh balance.
func (h *AuthHandler) CurrentUser(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	fresh, err := h.UserRepo.GetByID(user.ID)
	if err != nil {
		writeServiceError(w, h.Log, err, "user")
		return
	}
	writeJSON(w, http.StatusOK, fresh)
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var payload ChangePasswordPayload
	if err := decodeJSON(r, &payload); err != nil {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request payload")
		return
	}
	if !user.CheckPassword(payload.CurrentPassword) {
		WriteAPIError(w, http.StatusUnauthorized, CodeUnauthorized, "current password is incorrect")
		return
	}
	if len(payload.NewPassword) < minPasswordLength {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("password must be at least %d characters", minPasswordLength))
		return
	}
	if err := user.SetPassword(payload.NewPassword); err != nil {
		writeServiceError(w, h.Log, err, "user")
		return
	}
	if err := h.UserRepo.UpdatePassword(user.ID, user.PasswordHash); err != nil {
		writeServiceError(w, h.Log, err, "user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}
