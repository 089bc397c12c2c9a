package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/camden-git/campaignstudio/models"
	"github.com/camden-git/campaignstudio/repository"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	// UserContextKey is the key used to store the user object in the request context.
	UserContextKey ContextKey = "user"
)

const tokenIssuer = "campaignstudio"

var ErrInvalidToken = errors.New("invalid token")

// Tokens issues and verifies HS256 bearer tokens carrying the user ID as subject.
type Tokens struct {
	secret []byte
	ttl    time.Duration
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl}
}

func (t *Tokens) Issue(userID uint) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(t.ttl)
	claims := &jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(uint64(userID), 10),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
		Issuer:    tokenIssuer,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Parse returns the user ID of a valid token.
func (t *Tokens) Parse(tokenString string) (uint, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}
	id, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || id == 0 {
		return 0, ErrInvalidToken
	}
	return uint(id), nil
}

// AuthMiddleware verifies the bearer token and adds the user to the request
// context. The websocket endpoint may pass the token as ?token= instead.
func AuthMiddleware(tokens *Tokens, userRepo repository.UserRepository, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				WriteAPIError(w, http.StatusUnauthorized, CodeUnauthorized, "Authorization header format must be Bearer {token}")
				return
			}

			userID, err := tokens.Parse(tokenString)
			if err != nil {
				WriteAPIError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid or expired token")
				return
			}

			user, err := userRepo.GetByID(userID)
			if err != nil {
				if !errors.Is(err, repository.ErrNotFound) {
					log.Error("failed to load token user", zap.Uint("user_id", userID), zap.Error(err))
				}
				// deleted after the token was issued
				WriteAPIError(w, http.StatusUnauthorized, CodeUnauthorized, "user not found")
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if t := r.URL.Query().Get("token"); t != "" && strings.HasSuffix(r.URL.Path, "/ws") {
			return t, true
		}
		return "", false
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// currentUser returns the user placed in the context by AuthMiddleware.
func currentUser(r *http.Request) *models.User {
	user, _ := r.Context().Value(UserContextKey).(*models.User)
	return user
}
