package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrUnrecognized),
		errors.Is(err, ErrParseFailed),
		errors.Is(err, ErrNotSingleFile):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict),
		errors.Is(err, ErrDuplicate),
		errors.Is(err, ErrAlreadyClaimed):
		return http.StatusConflict
	case errors.Is(err, ErrJobStopped),
		errors.Is(err, ErrEngineFatal):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
