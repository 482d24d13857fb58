package internal

import (
	"errors"
	"fmt"
	"net/http"
)

// statusErr is an error corresponding to an HTTP response code. Upstream
// failures are folded into these so handlers can proxy the status directly.
type statusErr int

func (e statusErr) Error() string {
	return fmt.Sprintf("%d: %s", int(e), http.StatusText(int(e)))
}

var (
	errNotFound   = statusErr(http.StatusNotFound)
	errBadRequest = statusErr(http.StatusBadRequest)
)

// ErrorCode is the closed taxonomy surfaced in response envelopes and in
// stream error payloads.
type ErrorCode string

const (
	CodeInvalidISBN       ErrorCode = "INVALID_ISBN"
	CodeInvalidQuery      ErrorCode = "INVALID_QUERY"
	CodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	CodeInvalidParameter  ErrorCode = "INVALID_PARAMETER"
	CodeMissingParameter  ErrorCode = "MISSING_PARAMETER"
	CodeInvalidFileType   ErrorCode = "INVALID_FILE_TYPE"
	CodeInvalidContent    ErrorCode = "INVALID_CONTENT"
	CodeBatchTooLarge     ErrorCode = "BATCH_TOO_LARGE"
	CodeEmptyBatch        ErrorCode = "EMPTY_BATCH"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	CodeTokenExpired      ErrorCode = "TOKEN_EXPIRED"
	CodeFileTooLarge      ErrorCode = "FILE_TOO_LARGE"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeJobNotFound       ErrorCode = "JOB_NOT_FOUND"
	CodeRateLimited       ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeProviderTimeout   ErrorCode = "PROVIDER_TIMEOUT"
	CodeProviderDown      ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeProviderError     ErrorCode = "PROVIDER_ERROR"
	CodeProcessingFailed  ErrorCode = "PROCESSING_FAILED"
	CodeEnrichmentFailed  ErrorCode = "ENRICHMENT_FAILED"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// Status maps the code to its HTTP response status.
func (c ErrorCode) Status() int {
	switch c {
	case CodeInvalidISBN, CodeInvalidQuery, CodeInvalidRequest, CodeInvalidParameter,
		CodeMissingParameter, CodeInvalidFileType, CodeInvalidContent,
		CodeBatchTooLarge, CodeEmptyBatch:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeInvalidToken, CodeTokenExpired:
		return http.StatusUnauthorized
	case CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeNotFound, CodeJobNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeProviderTimeout, CodeProviderDown:
		return http.StatusServiceUnavailable
	case CodeProviderError:
		// 502 when the upstream answered with an error; timeouts and
		// unavailability carry their own codes above.
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// apiError pairs an ErrorCode with a human-readable message and optional
// structured details. It satisfies error so it can flow through normal
// error returns up to the handler.
type apiError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func apiErrorf(code ErrorCode, format string, args ...any) *apiError {
	return &apiError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// asAPIError normalizes any error into an apiError for the envelope.
func asAPIError(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, errNotFound) {
		return apiErrorf(CodeNotFound, "not found")
	}
	if errors.Is(err, errBadRequest) {
		return apiErrorf(CodeInvalidRequest, "bad request")
	}
	var pf *providerFailure
	if errors.As(err, &pf) {
		switch pf.kind {
		case FailTimeout:
			return apiErrorf(CodeProviderTimeout, "%s timed out", pf.provider)
		case FailRateLimited, FailUpstream:
			return apiErrorf(CodeProviderDown, "%s is unavailable", pf.provider)
		}
		return apiErrorf(CodeProviderError, "%s failed: %s", pf.provider, pf.kind)
	}
	var se statusErr
	if errors.As(err, &se) && int(se) >= 500 {
		return apiErrorf(CodeProviderError, "upstream returned %d", int(se))
	}
	return apiErrorf(CodeInternal, "internal error")
}
