package guard

import "net/http"

// Kind is the closed taxonomy of terminal guard rejections. Each kind maps
// to exactly one HTTP status below; classification is never derived from
// error message text, because callers such as webhook senders key their
// retry behavior off the status code.
type Kind int

const (
	KindAuthenticationRequired Kind = iota
	KindAuthorizationDenied
	KindPayloadTooLarge
	KindRateLimitExceeded
	KindIdempotencyConflict
	KindSignatureInvalid
	KindSignatureExpired
	KindDegradedInfrastructure
	KindConfigurationDisabled
)

func (k Kind) String() string {
	switch k {
	case KindAuthenticationRequired:
		return "authentication_required"
	case KindAuthorizationDenied:
		return "authorization_denied"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	case KindIdempotencyConflict:
		return "idempotency_conflict"
	case KindSignatureInvalid:
		return "signature_invalid"
	case KindSignatureExpired:
		return "signature_expired"
	case KindDegradedInfrastructure:
		return "degraded_infrastructure"
	case KindConfigurationDisabled:
		return "configuration_disabled"
	}
	return "unknown"
}

// Status is the one place a kind becomes an HTTP status.
func (k Kind) Status() int {
	switch k {
	case KindAuthenticationRequired:
		return http.StatusUnauthorized
	case KindAuthorizationDenied:
		return http.StatusForbidden
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindIdempotencyConflict:
		return http.StatusConflict
	case KindSignatureInvalid, KindSignatureExpired:
		return http.StatusUnauthorized
	case KindDegradedInfrastructure, KindConfigurationDisabled:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Message is the stable client-facing text. It states the condition without
// any internal diagnostic detail.
func (k Kind) Message() string {
	switch k {
	case KindAuthenticationRequired:
		return "authentication required"
	case KindAuthorizationDenied:
		return "forbidden"
	case KindPayloadTooLarge:
		return "request body too large"
	case KindRateLimitExceeded:
		return "rate limit exceeded"
	case KindIdempotencyConflict:
		return "request with this idempotency key is in flight"
	case KindSignatureInvalid:
		return "invalid signature"
	case KindSignatureExpired:
		return "signature expired"
	case KindDegradedInfrastructure:
		return "service temporarily unavailable"
	case KindConfigurationDisabled:
		return "feature disabled"
	}
	return "request rejected"
}
