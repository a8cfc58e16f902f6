package app

import (
	"errors"
	"net/http"

	"lodestar/api/internal/apperr"
	"lodestar/api/internal/auth"
)

var kindStatus = map[apperr.Kind]int{
	apperr.KindValidation:       http.StatusBadRequest,
	apperr.KindInvalidReference: http.StatusUnprocessableEntity,
	apperr.KindConflict:         http.StatusConflict,
	apperr.KindNotFound:         http.StatusNotFound,
	apperr.KindRetrieval:        http.StatusServiceUnavailable,
}

// APIError is the wire form of a failed call.
type APIError struct {
	Status    int            `json:"-"`
	Code      string         `json:"code"`
	Message   string         `json:"error"`
	Kind      apperr.Kind    `json:"kind,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func mapError(err error) APIError {
	if e, ok := apperr.As(err); ok {
		status, known := kindStatus[e.Kind]
		if !known {
			status = http.StatusInternalServerError
		}
		return APIError{
			Status:    status,
			Code:      e.Code,
			Message:   e.Message,
			Kind:      e.Kind,
			Retryable: e.Retryable(),
			Details:   e.Details,
		}
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return APIError{Status: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: "Unauthorized"}
	}
	return APIError{Status: http.StatusInternalServerError, Code: "SERVER_ERROR", Message: "Server error"}
}
