package httpadapter

import (
	"net/http"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrFileRead):
		return http.StatusUnprocessableEntity
	case domain.IsKind(err, domain.ErrTemporary), domain.IsKind(err, domain.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case domain.IsKind(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is the text returned to clients. Internal error text stays in logs.
func publicMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid request"
	case http.StatusNotFound:
		return "not found"
	case http.StatusUnprocessableEntity:
		return "image could not be read"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	case http.StatusGatewayTimeout:
		return "request timed out"
	default:
		return "internal error"
	}
}
