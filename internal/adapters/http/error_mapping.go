package httpadapter

import (
	"net/http"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrQueryRejected):
		return http.StatusUnprocessableEntity
	case domain.IsKind(err, domain.ErrSearchUnavailable),
		domain.IsKind(err, domain.ErrModelUnavailable),
		domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorCode is the stable machine-readable name returned to clients in
// place of the error text.
func errorCode(err error) string {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return "invalid_input"
	case domain.IsKind(err, domain.ErrUnauthorized):
		return "unauthorized"
	case domain.IsKind(err, domain.ErrNotFound):
		return "not_found"
	case domain.IsKind(err, domain.ErrQueryRejected):
		return "query_rejected"
	case domain.IsKind(err, domain.ErrSearchUnavailable):
		return "search_unavailable"
	case domain.IsKind(err, domain.ErrModelUnavailable):
		return "model_unavailable"
	case domain.IsKind(err, domain.ErrTemporary):
		return "temporary"
	default:
		return "internal"
	}
}
