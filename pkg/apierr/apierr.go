// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// ErrorKind is the router's internal error taxonomy (spec §7), independent
// of any transport. A routing error satisfies the Kinder interface; apierr
// is the only place that maps a Kind to an HTTP status.
type ErrorKind string

const (
	KindModelNotAvailable ErrorKind = "model_not_available"
	KindModelTimeout      ErrorKind = "model_timeout"
	KindModelRateLimit    ErrorKind = "model_rate_limit"
	KindModelAuth         ErrorKind = "model_authentication"
	KindModelTokenLimit   ErrorKind = "model_token_limit"
	KindModelContentFilter ErrorKind = "model_content_filter"
	KindNetworkError      ErrorKind = "network_error"
	KindInvalidPrompt     ErrorKind = "invalid_prompt"
	KindAllModelsFailed   ErrorKind = "all_models_failed"
)

// Kinder is implemented by router errors that carry a taxonomy kind.
type Kinder interface {
	error
	Kind() ErrorKind
}

// StatusForKind returns the default HTTP status for an ErrorKind (spec §7).
func StatusForKind(k ErrorKind) int {
	switch k {
	case KindModelNotAvailable:
		return fasthttp.StatusServiceUnavailable // 503
	case KindModelTimeout:
		return fasthttp.StatusGatewayTimeout // 504
	case KindModelRateLimit:
		return fasthttp.StatusTooManyRequests // 429
	case KindModelAuth:
		return fasthttp.StatusUnauthorized // 401
	case KindModelTokenLimit:
		return fasthttp.StatusRequestEntityTooLarge // 413
	case KindModelContentFilter:
		return fasthttp.StatusBadRequest // 400
	case KindNetworkError:
		return fasthttp.StatusServiceUnavailable // 503
	case KindInvalidPrompt:
		return fasthttp.StatusBadRequest // 400
	case KindAllModelsFailed:
		return fasthttp.StatusInternalServerError // 500
	default:
		return fasthttp.StatusInternalServerError
	}
}

// WriteKind writes the error envelope for a Kinder error using the
// taxonomy's default status and its Kind as both type and code.
func WriteKind(ctx *fasthttp.RequestCtx, err Kinder) {
	status := StatusForKind(err.Kind())
	if err.Kind() == KindModelRateLimit {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	Write(ctx, status, err.Error(), string(err.Kind()), string(err.Kind()))
}

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts are not handled here; WriteTimeout writes the 504.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
