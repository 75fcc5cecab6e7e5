package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/sealbook/internal/apperr"
)

// statusFor maps engine errors to HTTP statuses. Security errors are never
// downgraded to an empty success.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrAuthenticationRequired):
		return http.StatusLocked, "authentication required"
	case errors.Is(err, apperr.ErrKeyInvalidated):
		return http.StatusGone, "notebook key invalidated by enrollment change"
	case errors.Is(err, apperr.ErrAuthFailed), errors.Is(err, apperr.ErrAuthCancelled), errors.Is(err, apperr.ErrChallenge):
		return http.StatusUnauthorized, "user presence check failed"
	case errors.Is(err, apperr.ErrCrypto):
		return http.StatusUnprocessableEntity, "cannot decrypt"
	case errors.Is(err, apperr.ErrInvalidName):
		return http.StatusBadRequest, "invalid name"
	case errors.Is(err, apperr.ErrTargetExists):
		return http.StatusConflict, "target already exists"
	case errors.Is(err, apperr.ErrAlreadyExists):
		return http.StatusConflict, "already exists"
	case errors.Is(err, apperr.ErrAlreadyProtected), errors.Is(err, apperr.ErrNotProtected),
		errors.Is(err, apperr.ErrInvalidState), errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "not found"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

type partialResponse struct {
	Error       string   `json:"error"`
	Notebook    string   `json:"notebook"`
	Op          string   `json:"op"`
	Unconverted []string `json:"unconverted"`
	RolledBack  bool     `json:"rolled_back"`
}

// writeError writes the JSON error for err and logs server-side failures.
func writeError(w http.ResponseWriter, op string, err error) {
	if pe, ok := apperr.IsPartialProtection(err); ok {
		slog.Error(op+" incomplete", slog.String("notebook", pe.Notebook), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, partialResponse{
			Error:       pe.Op + " incomplete",
			Notebook:    pe.Notebook,
			Op:          pe.Op,
			Unconverted: nonNil(pe.Unconverted),
			RolledBack:  pe.RolledBack,
		})
		return
	}
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error(op+" failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody(msg))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
