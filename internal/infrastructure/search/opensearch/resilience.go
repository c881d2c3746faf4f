package opensearch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/resilience"
)

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "opensearch status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("opensearch %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("opensearch %s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

// rejected reports whether the cluster refused the query itself, e.g. an
// x_content_parse_exception.
func (e *HTTPStatusError) rejected() bool {
	return e.StatusCode == http.StatusBadRequest
}

func classifySearchError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if isRetryableHTTPStatus(statusErr.StatusCode) {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

func mapSearchError(operation string, err error) error {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.rejected() {
		return domain.WrapError(domain.ErrQueryRejected, operation, err)
	}
	return domain.WrapError(domain.ErrSearchUnavailable, operation, err)
}

func isRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
