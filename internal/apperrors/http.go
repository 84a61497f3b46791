package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrStaleUpdate), errors.Is(err, ErrTerminal):
		return http.StatusConflict
	case errors.Is(err, ErrDispatchRejected):
		return http.StatusBadGateway
	case errors.Is(err, ErrDispatchTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
