package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/camden-git/campaignstudio/billing"
	"github.com/camden-git/campaignstudio/repository"
	"go.uber.org/zap"
)

// Error codes used in API error responses.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeInsufficientCredits = "insufficient_credits"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeNotFound            = "not_found"
	CodeConflict            = "conflict"
	CodeUnavailable         = "unavailable"
	CodeInternal            = "internal_error"
)

// APIErrorDetail represents a single error in the standardized error response.
type APIErrorDetail struct {
	Code   string `json:"code"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// APIErrorResponse represents the standardized error response body.
type APIErrorResponse struct {
	Errors []APIErrorDetail `json:"errors"`
}

// WriteAPIError writes a standardized error response with the given HTTP status, code, and detail.
func WriteAPIError(w http.ResponseWriter, httpStatus int, code string, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)

	resp := APIErrorResponse{
		Errors: []APIErrorDetail{
			{
				Code:   code,
				Status: strconv.Itoa(httpStatus),
				Detail: detail,
			},
		},
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// writeServiceError maps well-known service errors to API errors. Anything
// unrecognised is logged and answered with a generic 500.
func writeServiceError(w http.ResponseWriter, log *zap.Logger, err error, what string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		WriteAPIError(w, http.StatusNotFound, CodeNotFound, what+" not found")
	case errors.Is(err, billing.ErrInsufficientCredits):
		WriteAPIError(w, http.StatusBadRequest, CodeInsufficientCredits, err.Error())
	case errors.Is(err, repository.ErrAlreadyRunning):
		WriteAPIError(w, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, repository.ErrDuplicateEmail):
		WriteAPIError(w, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, repository.ErrStandardScene):
		WriteAPIError(w, http.StatusForbidden, CodeForbidden, err.Error())
	case errors.Is(err, repository.ErrPoseIndex):
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	default:
		log.Error("request failed", zap.String("resource", what), zap.Error(err))
		WriteAPIError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
	}
}
