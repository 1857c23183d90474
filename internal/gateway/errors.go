package gateway

import "net/http"

// ErrorCode is the closed set of machine-readable error codes.
type ErrorCode string

const (
	CodePaymentRequired    ErrorCode = "payment_required"
	CodeInvalidToken       ErrorCode = "invalid_token"
	CodeUntrustedMint      ErrorCode = "untrusted_mint"
	CodeModelNotFound      ErrorCode = "model_not_found"
	CodeInvalidRequest     ErrorCode = "invalid_request"
	CodeInsufficientPay    ErrorCode = "insufficient_payment"
	CodeTokenSpent         ErrorCode = "token_spent"
	CodeRedeemFailed       ErrorCode = "redeem_failed"
	CodeGatewayTimeout     ErrorCode = "gateway_timeout"
	CodeUpstreamError      ErrorCode = "upstream_error"
	CodeNoUpstream         ErrorCode = "no_upstream"
	CodeUnauthorized       ErrorCode = "unauthorized"
	CodeRateLimited        ErrorCode = "rate_limited"
	CodeInternal           ErrorCode = "internal"
)

// GateError is the uniform {error:{code, message, ...}} body shape, carrying
// whatever extra fields a given error path needs (required/provided on
// insufficient_payment, details on treasury 502s, etc).
type GateError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Extra   map[string]any `json:"-"`
}

// Envelope wraps a GateError the way every error response body is shaped.
type Envelope struct {
	Error GateError `json:"error"`
}

func newError(code ErrorCode, message string) GateError {
	return GateError{Code: code, Message: message}
}

// statusFor maps an ErrorCode to its default HTTP status; callers that need
// to forward an upstream's original status (upstream_error) pass it
// explicitly instead of using this map.
func statusFor(code ErrorCode) int {
	switch code {
	case CodePaymentRequired, CodeInsufficientPay:
		return http.StatusPaymentRequired
	case CodeInvalidToken, CodeUntrustedMint, CodeModelNotFound, CodeInvalidRequest, CodeTokenSpent:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeRedeemFailed, CodeInternal:
		return http.StatusInternalServerError
	case CodeUpstreamError, CodeNoUpstream:
		return http.StatusBadGateway
	case CodeGatewayTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
