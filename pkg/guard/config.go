package guard

import (
	"time"

	"tripguard/pkg/degraded"
	"tripguard/pkg/ratelimit"
)

// SignatureVerifier validates an HMAC header against raw body bytes.
// Implementations that rotate keys at runtime must be safe for concurrent
// use.
type SignatureVerifier interface {
	Verify(body []byte, header string, now time.Time) error
	Fingerprint(header string) string
}

// AuthPolicy makes a route's authentication requirement explicit. The zero
// value is Unspecified and rejects every request with 503: a route whose
// registration forgot to state its policy must not silently become public.
type AuthPolicy int

const (
	AuthUnspecified AuthPolicy = iota
	AuthPublic
	AuthBearer
	AuthInternalKey
)

// RouteGuardConfig is the per-route wiring of the guard pipeline. It is
// built at route-registration time and read-only afterwards, so it may be
// shared across goroutines without synchronization.
type RouteGuardConfig struct {
	// RouteKey is the stable, low-cardinality identifier used in every log
	// line, metric, and alert for this route. Never a raw request path.
	RouteKey string

	Auth          AuthPolicy
	RequiredRoles []string

	// InternalKeyHeader/InternalKey apply to AuthInternalKey routes. An
	// empty configured key means the feature is disabled: requests get 503,
	// not public access.
	InternalKeyHeader string
	InternalKey       string

	// MaxBodyBytes caps what the bounded reader pulls off the connection.
	MaxBodyBytes int64

	// RateLimit is the route's quota; nil disables admission control.
	RateLimit *ratelimit.Policy

	RequireIdempotencyKey bool
	ReservationTTL        time.Duration
	SnapshotTTL           time.Duration

	// Signature, when set, makes this a webhook/job route: the payload must
	// carry a valid HMAC header over the exact bytes received.
	Signature       SignatureVerifier
	SignatureHeader string

	// DegradedMode decides fail-open vs fail-closed when the shared store
	// is unreachable. Zero value fails closed.
	DegradedMode degraded.Mode
}

const (
	defaultMaxBodyBytes    = 1 << 20
	defaultReservationTTL  = 5 * time.Minute
	defaultSnapshotTTL     = 24 * time.Hour
	defaultSignatureHeader = "X-Webhook-Signature"
)

func (c RouteGuardConfig) maxBodyBytes() int64 {
	if c.MaxBodyBytes > 0 {
		return c.MaxBodyBytes
	}
	return defaultMaxBodyBytes
}

func (c RouteGuardConfig) reservationTTL() time.Duration {
	if c.ReservationTTL > 0 {
		return c.ReservationTTL
	}
	return defaultReservationTTL
}

func (c RouteGuardConfig) snapshotTTL() time.Duration {
	if c.SnapshotTTL > 0 {
		return c.SnapshotTTL
	}
	return defaultSnapshotTTL
}

func (c RouteGuardConfig) signatureHeader() string {
	if c.SignatureHeader != "" {
		return c.SignatureHeader
	}
	return defaultSignatureHeader
}
