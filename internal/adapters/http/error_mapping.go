package httpadapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrValidation):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrDomainNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrTemporary), domain.IsKind(err, domain.ErrRetrievalUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) errorResponse {
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		return errorResponse{
			Error:   "validation_error",
			Message: validation.Message,
			Reason:  validation.Reason,
		}
	}
	switch mapErrorToHTTPStatus(err) {
	case http.StatusServiceUnavailable:
		return errorResponse{Error: "unavailable", Message: "Layanan sementara tidak tersedia."}
	case http.StatusNotFound:
		return errorResponse{Error: "not_found"}
	case http.StatusGatewayTimeout:
		return errorResponse{Error: "timeout"}
	default:
		return errorResponse{Error: "internal_error"}
	}
}
