package errors

import "net/http"

// retryableHTTPStatus mirrors the status codes the fetcher's retry budget applies to.
var retryableHTTPStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsRetryableHTTPStatus reports whether a response status code should be retried
// by the fetcher's request-level retry budget.
func IsRetryableHTTPStatus(statusCode int) bool {
	return retryableHTTPStatus[statusCode]
}
