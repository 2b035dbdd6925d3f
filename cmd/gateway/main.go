package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"tripguard/pkg/alertbus"
	"tripguard/pkg/audit"
	"tripguard/pkg/auth"
	"tripguard/pkg/degraded"
	"tripguard/pkg/guard"
	"tripguard/pkg/hardening"
	"tripguard/pkg/httpx"
	"tripguard/pkg/idempotency"
	"tripguard/pkg/metrics"
	"tripguard/pkg/ratelimit"
	"tripguard/pkg/signature"
	"tripguard/pkg/store"
	"tripguard/pkg/stream"
	"tripguard/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Pipeline *guard.Pipeline
	Events   *stream.Hub
	Metrics  *metrics.Registry
	Keys     *keyRing
}

// keyRing is the rotatable signing-key set shared by every signed route.
// Verification snapshots the keys under a read lock so rotation never races
// an in-flight request.
type keyRing struct {
	mu                sync.RWMutex
	keys              [][]byte
	maxSkew           time.Duration
	correlationSecret []byte
	maxKeys           int
}

func newKeyRing(keys [][]byte, maxSkew time.Duration, correlationSecret []byte, maxKeys int) *keyRing {
	if maxKeys < 2 {
		maxKeys = 2
	}
	return &keyRing{keys: keys, maxSkew: maxSkew, correlationSecret: correlationSecret, maxKeys: maxKeys}
}

func (k *keyRing) snapshot() signature.Verifier {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return signature.Verifier{
		Keys:              k.keys,
		MaxSkew:           k.maxSkew,
		CorrelationSecret: k.correlationSecret,
	}
}

func (k *keyRing) Verify(body []byte, header string, now time.Time) error {
	v := k.snapshot()
	return v.Verify(body, header, now)
}

func (k *keyRing) Fingerprint(header string) string {
	v := k.snapshot()
	return v.Fingerprint(header)
}

// Rotate prepends the new key; old keys keep validating until they fall off
// the end of the ring so in-flight senders get a grace window.
func (k *keyRing) Rotate(newKey []byte) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	next := make([][]byte, 0, len(k.keys)+1)
	next = append(next, newKey)
	for _, old := range k.keys {
		if len(next) >= k.maxKeys {
			break
		}
		next = append(next, old)
	}
	k.keys = next
	return len(next)
}

func (k *keyRing) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (*pgxpool.Pool, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = store.NewPostgresPool
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "tripguard")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	signingKeys := parseSigningKeys(env("WEBHOOK_SIGNING_KEYS", ""))
	internalJobKey := env("INTERNAL_JOB_KEY", "")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		DatabaseURL:           env("DATABASE_URL", ""),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		WebhookSigningKeys:    env("WEBHOOK_SIGNING_KEYS", ""),
		RequiredSecrets: []hardening.SecretRequirement{
			{Name: "INTERNAL_JOB_KEY", Value: internalJobKey},
			{Name: "OIDC_HS256_SECRET", Value: env("OIDC_HS256_SECRET", "")},
		},
	}); err != nil {
		return err
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	var limiter ratelimit.Limiter
	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		if redisClient != nil {
			limiter = ratelimit.NewRedis(redisClient)
		} else {
			limiter = ratelimit.NewInMemory()
		}
	}

	events := stream.NewHub()
	registry := metrics.NewRegistry()

	dedupeWindow := envDurationSec("DEDUPE_WINDOW_SEC", 60)
	sinks := []degraded.Sink{degraded.LogSink{}, degraded.HubSink{Hub: events}}
	if brokers := env("DEGRADED_ALERT_KAFKA_BROKERS", ""); brokers != "" {
		publisher, err := alertbus.NewPublisher(alertbus.Config{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("DEGRADED_ALERT_KAFKA_TOPIC", "tripguard.degraded"),
		})
		if err != nil {
			return fmt.Errorf("alert publisher: %w", err)
		}
		defer func() { _ = publisher.Close() }()
		sinks = append(sinks, publisher)
	}
	engine := degraded.NewEngine(dedupeWindow, sinks...)

	var auditor guard.Auditor
	if env("DATABASE_URL", "") != "" {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		writer := &audit.Writer{DB: pool, HashSalt: []byte(env("AUDIT_HASH_SALT", ""))}
		if err := writer.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("audit schema: %w", err)
		}
		auditor = writer
	}

	var authenticator auth.Authenticator
	if secret := env("OIDC_HS256_SECRET", ""); secret != "" {
		authenticator = auth.BearerHS256{
			Secret:   secret,
			Issuer:   env("OIDC_ISSUER", ""),
			Audience: env("OIDC_AUDIENCE", ""),
		}
	}

	keys := newKeyRing(
		signingKeys,
		envDurationSec("SIGNATURE_MAX_SKEW_SEC", 300),
		[]byte(env("SIGNATURE_CORRELATION_SECRET", "")),
		envInt("SIGNATURE_MAX_KEYS", 3),
	)

	s := &Server{
		Pipeline: &guard.Pipeline{
			Auth:              authenticator,
			Limiter:           limiter,
			Idempotency:       idempotency.New(cache),
			Degraded:          engine,
			Metrics:           registry,
			Audit:             auditor,
			TrustedProxyCIDRs: parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		},
		Events:  events,
		Metrics: registry,
		Keys:    keys,
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("tripguard"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "tripguard"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Get("/v1/ops/events", s.streamEvents)

	s.registerGuardedRoutes(r)

	addr := env("ADDR", ":8080")
	log.Printf("tripguard gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) registerGuardedRoutes(r chi.Router) {
	p := s.Pipeline

	webhookCfg := guard.RouteGuardConfig{
		RouteKey:              "webhooks.flight",
		Auth:                  guard.AuthPublic,
		MaxBodyBytes:          int64(envInt("WEBHOOK_MAX_BODY_BYTES", 1<<20)),
		RateLimit:             &ratelimit.Policy{Limit: envInt("WEBHOOK_RATE_LIMIT", 120), Window: time.Minute},
		RequireIdempotencyKey: true,
		ReservationTTL:        envDurationSec("RESERVATION_TTL_SEC", 300),
		SnapshotTTL:           envDurationSec("SNAPSHOT_TTL_SEC", 86400),
		Signature:             s.Keys,
		SignatureHeader:       env("WEBHOOK_SIGNATURE_HEADER", "X-Webhook-Signature"),
		DegradedMode:          degraded.FailClosed,
	}
	r.Method(http.MethodPost, "/v1/webhooks/flight-status", p.Guard(webhookCfg, http.HandlerFunc(s.handleFlightStatus)))

	jobsCfg := guard.RouteGuardConfig{
		RouteKey:              "jobs.refresh",
		Auth:                  guard.AuthInternalKey,
		InternalKeyHeader:     env("INTERNAL_JOB_KEY_HEADER", "X-Internal-Key"),
		InternalKey:           env("INTERNAL_JOB_KEY", ""),
		MaxBodyBytes:          int64(envInt("JOB_MAX_BODY_BYTES", 256<<10)),
		RequireIdempotencyKey: true,
		ReservationTTL:        envDurationSec("RESERVATION_TTL_SEC", 300),
		SnapshotTTL:           envDurationSec("SNAPSHOT_TTL_SEC", 86400),
		Signature:             s.Keys,
		SignatureHeader:       env("JOB_SIGNATURE_HEADER", "X-Job-Signature"),
		DegradedMode:          degraded.FailClosed,
	}
	r.Method(http.MethodPost, "/v1/jobs/itinerary-refresh", p.Guard(jobsCfg, http.HandlerFunc(s.handleItineraryRefresh)))

	embeddingsCfg := guard.RouteGuardConfig{
		RouteKey:              "ai.embeddings",
		Auth:                  guard.AuthBearer,
		MaxBodyBytes:          int64(envInt("AI_MAX_BODY_BYTES", 512<<10)),
		RateLimit:             &ratelimit.Policy{Limit: envInt("AI_RATE_LIMIT", 20), Window: time.Minute},
		RequireIdempotencyKey: true,
		ReservationTTL:        envDurationSec("RESERVATION_TTL_SEC", 300),
		SnapshotTTL:           envDurationSec("SNAPSHOT_TTL_SEC", 86400),
		DegradedMode:          degraded.FailClosed,
	}
	r.Method(http.MethodPost, "/v1/ai/embeddings", p.Guard(embeddingsCfg, http.HandlerFunc(s.handleEmbeddings)))

	rotateCfg := guard.RouteGuardConfig{
		RouteKey:              "keys.rotate",
		Auth:                  guard.AuthBearer,
		RequiredRoles:         []string{"admin"},
		MaxBodyBytes:          64 << 10,
		RequireIdempotencyKey: true,
		ReservationTTL:        envDurationSec("RESERVATION_TTL_SEC", 300),
		SnapshotTTL:           envDurationSec("SNAPSHOT_TTL_SEC", 86400),
		DegradedMode:          degraded.FailClosed,
	}
	r.Method(http.MethodPost, "/v1/keys/rotate", p.Guard(rotateCfg, http.HandlerFunc(s.handleKeysRotate)))

	searchCfg := guard.RouteGuardConfig{
		RouteKey:     "trips.search",
		Auth:         guard.AuthPublic,
		RateLimit:    &ratelimit.Policy{Limit: envInt("SEARCH_RATE_LIMIT", 600), Window: time.Minute},
		DegradedMode: degraded.FailOpen,
	}
	r.Method(http.MethodGet, "/v1/trips/search", p.Guard(searchCfg, http.HandlerFunc(s.handleTripsSearch)))
}

type flightStatusEvent struct {
	FlightNumber string `json:"flight_number"`
	Status       string `json:"status"`
	UpdatedAt    string `json:"updated_at"`
}

func (s *Server) handleFlightStatus(w http.ResponseWriter, r *http.Request) {
	var evt flightStatusEvent
	if err := json.Unmarshal(guard.Body(r.Context()), &evt); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(evt.FlightNumber) == "" || strings.TrimSpace(evt.Status) == "" {
		httpx.Error(w, 400, "flight_number and status required")
		return
	}
	eventID := uuid.NewString()
	s.Events.Publish(stream.NewEvent("flight_status", map[string]string{
		"event_id": eventID,
		"flight":   evt.FlightNumber,
		"status":   evt.Status,
	}))
	httpx.WriteJSON(w, 200, map[string]string{"event_id": eventID, "received": "true"})
}

func (s *Server) handleItineraryRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TripID string `json:"trip_id"`
	}
	if err := json.Unmarshal(guard.Body(r.Context()), &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.TripID) == "" {
		httpx.Error(w, 400, "trip_id required")
		return
	}
	jobID := uuid.NewString()
	s.Events.Publish(stream.NewEvent("itinerary_refresh", map[string]string{
		"job_id":  jobID,
		"trip_id": req.TripID,
	}))
	httpx.WriteJSON(w, 202, map[string]string{"job_id": jobID, "trip_id": req.TripID, "status": "queued"})
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input []string `json:"input"`
	}
	if err := json.Unmarshal(guard.Body(r.Context()), &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if len(req.Input) == 0 {
		httpx.Error(w, 400, "input required")
		return
	}
	httpx.WriteJSON(w, 202, map[string]interface{}{
		"request_id": uuid.NewString(),
		"inputs":     len(req.Input),
		"status":     "accepted",
	})
}

func (s *Server) handleKeysRotate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(guard.Body(r.Context()), &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if len(strings.TrimSpace(req.Key)) < 16 {
		httpx.Error(w, 400, "key must be at least 16 characters")
		return
	}
	active := s.Keys.Rotate([]byte(req.Key))
	principal, _ := auth.PrincipalFromContext(r.Context())
	log.Printf("gateway: signing key rotated by=%s active_keys=%d", principal.Subject, active)
	s.Events.Publish(stream.NewEvent("key_rotated", map[string]int{"active_keys": active}))
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"active_keys": active,
		"rotated_at":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTripsSearch(w http.ResponseWriter, r *http.Request) {
	destination := strings.TrimSpace(r.URL.Query().Get("destination"))
	if destination == "" {
		httpx.Error(w, 400, "destination required")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"destination": destination,
		"date":        strings.TrimSpace(r.URL.Query().Get("date")),
		"items":       []interface{}{},
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)
	s.Metrics.SetGauge("stream_subscribers", float64(1))

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		// Observe the matched route pattern, never the raw path:
		// attacker-chosen paths must not grow the registry.
		routeKey := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				routeKey = r.Method + " " + pattern
			}
		}
		srv.Metrics.ObserveEndpoint(routeKey, rec.code, time.Since(start))
	})
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseSigningKeys(raw string) [][]byte {
	out := [][]byte{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, []byte(part))
		}
	}
	return out
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
