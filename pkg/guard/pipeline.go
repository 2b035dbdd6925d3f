// Package guard composes authentication, body bounding, rate limiting,
// idempotency, and signature verification into one ordered pipeline applied
// in front of a route handler. Any stage may short-circuit with a terminal
// response; no stage is ever skipped.
package guard

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tripguard/pkg/auth"
	"tripguard/pkg/bodylimit"
	"tripguard/pkg/degraded"
	"tripguard/pkg/httpx"
	"tripguard/pkg/idempotency"
	"tripguard/pkg/metrics"
	"tripguard/pkg/ratelimit"
	"tripguard/pkg/signature"
)

const idempotencyKeyHeader = "Idempotency-Key"

// RejectionRecord is what the optional audit trail receives for a terminal
// rejection: route key, kind, hashed principal. Never bodies, never
// signature material.
type RejectionRecord struct {
	DecisionID    string
	RouteKey      string
	Kind          string
	PrincipalHash string
	At            time.Time
}

type Auditor interface {
	AppendRejection(ctx context.Context, rec RejectionRecord) error
}

// Pipeline holds the shared collaborators every guarded route uses. The
// store clients are injected, never process-wide singletons, so degraded
// paths are testable by substituting a store that errors on demand.
type Pipeline struct {
	Auth        auth.Authenticator
	Limiter     ratelimit.Limiter
	Idempotency *idempotency.Store
	Degraded    *degraded.Engine
	Metrics     *metrics.Registry
	Audit       Auditor

	// TrustedProxyCIDRs gates X-Forwarded-For handling for rate-limit
	// identity; an untrusted peer cannot spoof its way to a fresh counter.
	TrustedProxyCIDRs []*net.IPNet
}

type bodyContextKey struct{}

// Body returns the bounded raw request body captured by the pipeline.
func Body(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyContextKey{}).([]byte)
	return b
}

// WithBody attaches raw body bytes the way the pipeline does, for handlers
// invoked outside a guarded route.
func WithBody(ctx context.Context, raw []byte) context.Context {
	return context.WithValue(ctx, bodyContextKey{}, raw)
}

// Guard wraps next with the full pipeline in fixed order: authenticate,
// bound the body, rate-limit, reserve idempotency, verify signature, invoke.
func (p *Pipeline) Guard(cfg RouteGuardConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decisionID := uuid.NewString()

		principal, kind := p.authenticate(cfg, r)
		if kind != nil {
			p.reject(r.Context(), w, cfg, decisionID, *kind, principal, nil)
			return
		}
		if principal.Subject != "" {
			r = r.WithContext(auth.WithPrincipal(r.Context(), principal))
		}

		body, err := bodylimit.Read(r.Body, cfg.maxBodyBytes())
		if err != nil {
			if errors.Is(err, bodylimit.ErrTooLarge) {
				p.reject(r.Context(), w, cfg, decisionID, KindPayloadTooLarge, principal, nil)
				return
			}
			httpx.Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
		r = r.WithContext(WithBody(r.Context(), body.Raw))
		r.Body = io.NopCloser(bytes.NewReader(body.Raw))

		if cfg.RateLimit != nil && p.Limiter != nil {
			d := p.Limiter.Check(r.Context(), cfg.RouteKey+"|"+p.callerIdentity(r, principal), *cfg.RateLimit)
			if d.Degraded {
				p.Metrics.IncDegraded(string(degraded.SubsystemRateLimit), cfg.RouteKey)
				if p.Degraded.Resolve(degraded.SubsystemRateLimit, cfg.RouteKey, cfg.DegradedMode) == degraded.Reject {
					p.reject(r.Context(), w, cfg, decisionID, KindDegradedInfrastructure, principal, nil)
					return
				}
			} else {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				if !d.Allowed {
					headers := map[string]string{"Retry-After": strconv.Itoa(d.RetryAfter(time.Now()))}
					p.reject(r.Context(), w, cfg, decisionID, KindRateLimitExceeded, principal, headers)
					return
				}
			}
		}

		var reservedKey string
		if cfg.RequireIdempotencyKey {
			// A route demanding at-most-once semantics on a pipeline with
			// no store is a wiring error, not a public route.
			if p.Idempotency == nil {
				p.reject(r.Context(), w, cfg, decisionID, KindConfigurationDisabled, principal, nil)
				return
			}
			key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
			if key == "" {
				httpx.Error(w, http.StatusBadRequest, "Idempotency-Key header required")
				return
			}
			scoped := cfg.RouteKey + "|" + key
			out, err := p.Idempotency.Reserve(r.Context(), scoped, cfg.RouteKey, cfg.reservationTTL())
			if err != nil {
				p.Metrics.IncDegraded(string(degraded.SubsystemIdempotency), cfg.RouteKey)
				if p.Degraded.Resolve(degraded.SubsystemIdempotency, cfg.RouteKey, cfg.DegradedMode) == degraded.Reject {
					p.reject(r.Context(), w, cfg, decisionID, KindDegradedInfrastructure, principal, nil)
					return
				}
				// Fail-open: proceed without at-most-once protection.
			} else {
				switch out.State {
				case idempotency.AlreadyCompleted:
					p.Metrics.IncReplay(cfg.RouteKey)
					replaySnapshot(w, out.Snapshot)
					return
				case idempotency.AlreadyReserved:
					headers := map[string]string{"Retry-After": strconv.Itoa(int(cfg.reservationTTL().Seconds()))}
					p.reject(r.Context(), w, cfg, decisionID, KindIdempotencyConflict, principal, headers)
					return
				case idempotency.Reserved:
					reservedKey = scoped
				}
			}
		}

		if cfg.Signature != nil {
			header := r.Header.Get(cfg.signatureHeader())
			if err := cfg.Signature.Verify(body.Raw, header, time.Now()); err != nil {
				p.releaseReservation(reservedKey)
				kind := KindSignatureInvalid
				if errors.Is(err, signature.ErrExpired) {
					kind = KindSignatureExpired
				}
				if fp := cfg.Signature.Fingerprint(header); fp != "" {
					log.Printf("guard: signature rejected route=%s sig_fp=%s", cfg.RouteKey, fp)
				}
				p.reject(r.Context(), w, cfg, decisionID, kind, principal, nil)
				return
			}
		}

		if reservedKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		rec := newResponseRecorder(w)
		next.ServeHTTP(rec, r)
		// A 5xx means the operation itself failed: release the reservation
		// so a legitimate retry can execute. Anything else is a terminal
		// outcome worth replaying.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if rec.status >= 500 {
			if err := p.Idempotency.Fail(ctx, reservedKey); err != nil {
				log.Printf("guard: release reservation failed route=%s: %v", cfg.RouteKey, err)
			}
			return
		}
		snap := idempotency.Snapshot{
			StatusCode:  rec.status,
			ContentType: rec.contentType(),
			Body:        rec.body.Bytes(),
		}
		if err := p.Idempotency.Complete(ctx, reservedKey, snap, cfg.snapshotTTL()); err != nil {
			log.Printf("guard: snapshot write failed route=%s: %v", cfg.RouteKey, err)
		}
	})
}

// authenticate runs the first pipeline stage. A nil Kind means proceed.
func (p *Pipeline) authenticate(cfg RouteGuardConfig, r *http.Request) (auth.Principal, *Kind) {
	switch cfg.Auth {
	case AuthPublic:
		return auth.Principal{}, nil
	case AuthBearer:
		if p.Auth == nil {
			return auth.Principal{}, kindPtr(KindConfigurationDisabled)
		}
		principal, err := p.Auth.Authenticate(r)
		if err != nil {
			return auth.Principal{}, kindPtr(KindAuthenticationRequired)
		}
		if !auth.HasAnyRole(principal, cfg.RequiredRoles...) {
			return principal, kindPtr(KindAuthorizationDenied)
		}
		return principal, nil
	case AuthInternalKey:
		// A missing configured secret means the feature is disabled, which
		// must stay distinguishable from forbidden and must never collapse
		// to public.
		if cfg.InternalKey == "" || cfg.InternalKeyHeader == "" {
			return auth.Principal{}, kindPtr(KindConfigurationDisabled)
		}
		presented := r.Header.Get(cfg.InternalKeyHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(cfg.InternalKey)) != 1 {
			return auth.Principal{}, kindPtr(KindAuthenticationRequired)
		}
		return auth.Principal{Subject: "internal"}, nil
	default:
		return auth.Principal{}, kindPtr(KindConfigurationDisabled)
	}
}

func kindPtr(k Kind) *Kind { return &k }

func (p *Pipeline) reject(ctx context.Context, w http.ResponseWriter, cfg RouteGuardConfig, decisionID string, kind Kind, principal auth.Principal, headers map[string]string) {
	log.Printf("guard: rejected route=%s kind=%s decision=%s", cfg.RouteKey, kind, decisionID)
	p.Metrics.IncRejection(cfg.RouteKey, kind.String())
	if p.Audit != nil {
		rec := RejectionRecord{
			DecisionID:    decisionID,
			RouteKey:      cfg.RouteKey,
			Kind:          kind.String(),
			PrincipalHash: hashIdentity(principal.Subject),
			At:            time.Now().UTC(),
		}
		go func() {
			auditCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := p.Audit.AppendRejection(auditCtx, rec); err != nil {
				log.Printf("guard: audit append failed route=%s: %v", cfg.RouteKey, err)
			}
		}()
	}
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	httpx.Error(w, kind.Status(), kind.Message())
}

func (p *Pipeline) releaseReservation(key string) {
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Idempotency.Fail(ctx, key); err != nil {
		log.Printf("guard: release reservation failed: %v", err)
	}
}

func replaySnapshot(w http.ResponseWriter, snap idempotency.Snapshot) {
	if snap.ContentType != "" {
		w.Header().Set("Content-Type", snap.ContentType)
	}
	w.Header().Set("Idempotent-Replay", "true")
	w.WriteHeader(snap.StatusCode)
	_, _ = w.Write(snap.Body)
}

// callerIdentity picks the rate-limit counting identity: the authenticated
// subject when there is one, the client IP otherwise.
func (p *Pipeline) callerIdentity(r *http.Request, principal auth.Principal) string {
	if principal.Subject != "" {
		return principal.Subject
	}
	return p.clientIP(r)
}

func (p *Pipeline) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP != "" && p.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := parseIP(strings.TrimSpace(parts[0])); ip != "" {
				return ip
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (p *Pipeline) isTrustedProxy(ipStr string) bool {
	if len(p.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range p.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func hashIdentity(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(value)))
	return fmt.Sprintf("%x", sum[:])
}
