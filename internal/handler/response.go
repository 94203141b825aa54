package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/josh-kwaku/eventpay/internal/domain"
)

type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data"`
	Error   *APIError `json:"error"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type transitionDetails struct {
	Entity string `json:"entity"`
	From   string `json:"from"`
	To     string `json:"to"`
}

func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func RespondSuccess(w http.ResponseWriter, status int, data any) {
	RespondJSON(w, status, APIResponse{
		Success: true,
		Data:    data,
		Error:   nil,
	})
}

func RespondAppError(w http.ResponseWriter, appErr *AppError, details any) {
	RespondJSON(w, appErr.Status, APIResponse{
		Success: false,
		Data:    nil,
		Error: &APIError{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: details,
		},
	})
}

func RespondValidationError(w http.ResponseWriter, fields []FieldError) {
	RespondAppError(w, ErrValidationFailed, fields)
}

// RespondDomainError maps err to its public code. Only status names from a
// rejected transition are echoed back; everything else stays internal.
func RespondDomainError(w http.ResponseWriter, err error) {
	var appErr *AppError
	var details any

	var te *domain.TransitionError
	switch {
	case errors.As(err, &te):
		appErr = ErrInvalidTransition
		details = transitionDetails{Entity: string(te.Entity), From: te.From, To: te.To}
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrForbidden):
		appErr = ErrResourceNotFound
	case errors.Is(err, domain.ErrNotRefundable):
		appErr = ErrNotRefundable
	case errors.Is(err, domain.ErrInvalidEventName):
		appErr = ErrInvalidEventName
	case errors.Is(err, domain.ErrInvalidCurrency):
		appErr = ErrInvalidCurrency
	case errors.Is(err, domain.ErrInvalidAmount):
		appErr = ErrInvalidAmount
	case errors.Is(err, domain.ErrWebhookDisabled):
		appErr = ErrWebhookDisabled
	case errors.Is(err, domain.ErrDeliveryInFlight):
		appErr = ErrDeliveryInFlight
	case errors.Is(err, domain.ErrDeliveryTerminal):
		appErr = ErrDeliveryTerminal
	case errors.Is(err, domain.ErrVersionConflict):
		appErr = ErrVersionConflict
	case errors.Is(err, domain.ErrInvalidTransition):
		appErr = ErrInvalidTransition
	case errors.Is(err, domain.ErrInvalidRequest):
		appErr = ErrInvalidRequest
	default:
		slog.Error("unhandled domain error", "error", err)
		appErr = ErrInternalError
	}

	RespondAppError(w, appErr, details)
}
