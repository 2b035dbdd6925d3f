// Package idempotency guarantees at-most-once execution for caller-supplied
// idempotency keys. The reservation write is a single set-if-absent against
// the shared store, so exactly one of any number of concurrent requests with
// the same key wins the right to run the handler.
package idempotency

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tripguard/pkg/store"
)

// ErrStoreUnavailable wraps any store transport failure. Callers route it to
// the degraded-mode policy engine; it must never surface to a client as-is.
var ErrStoreUnavailable = errors.New("idempotency: store unavailable")

type State int

const (
	Reserved State = iota
	AlreadyReserved
	AlreadyCompleted
)

// Snapshot is the response replayed to every caller of a completed key.
type Snapshot struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"-"`
}

// Outcome of a reservation attempt. Snapshot is set only for
// AlreadyCompleted.
type Outcome struct {
	State    State
	Snapshot Snapshot
}

const (
	statusReserved  = "reserved"
	statusCompleted = "completed"
)

type record struct {
	Status    string `json:"status"`
	RouteKey  string `json:"route_key"`
	Code      int    `json:"code,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	BodyB64   string `json:"body_b64,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Store keys reservations in the shared cache under a fixed prefix. TTL
// expiry is the only cleanup path; the guard layer never deletes completed
// records.
type Store struct {
	Cache  store.Cache
	Prefix string
}

func New(cache store.Cache) *Store {
	return &Store{Cache: cache, Prefix: "idem:"}
}

// Reserve attempts to claim key for routeKey. The caller that observes
// Reserved must later call Complete or Fail; everyone else gets the
// in-flight or terminal state.
func (s *Store) Reserve(ctx context.Context, key, routeKey string, ttl time.Duration) (Outcome, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	rec := record{
		Status:    statusReserved,
		RouteKey:  routeKey,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("idempotency: marshal reservation: %w", err)
	}
	ok, err := s.Cache.SetNX(ctx, s.Prefix+key, string(raw), ttl)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ok {
		return Outcome{State: Reserved}, nil
	}
	return s.lookup(ctx, key)
}

func (s *Store) lookup(ctx context.Context, key string) (Outcome, error) {
	raw, err := s.Cache.Get(ctx, s.Prefix+key)
	if errors.Is(err, store.ErrNotFound) {
		// Reservation expired between SetNX and Get; treat as in-flight
		// and let the caller retry.
		return Outcome{State: AlreadyReserved}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Outcome{}, fmt.Errorf("idempotency: corrupt record for key: %w", err)
	}
	if rec.Status != statusCompleted {
		return Outcome{State: AlreadyReserved}, nil
	}
	body, err := base64.StdEncoding.DecodeString(rec.BodyB64)
	if err != nil {
		return Outcome{}, fmt.Errorf("idempotency: corrupt snapshot body: %w", err)
	}
	return Outcome{
		State: AlreadyCompleted,
		Snapshot: Snapshot{
			StatusCode:  rec.Code,
			ContentType: rec.MediaType,
			Body:        body,
		},
	}, nil
}

// Complete transitions the reservation to its terminal state and publishes
// the snapshot for replay. ttl bounds how long retries see the cached
// response.
func (s *Store) Complete(ctx context.Context, key string, snap Snapshot, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	rec := record{
		Status:    statusCompleted,
		Code:      snap.StatusCode,
		MediaType: snap.ContentType,
		BodyB64:   base64.StdEncoding.EncodeToString(snap.Body),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency: marshal snapshot: %w", err)
	}
	if err := s.Cache.Set(ctx, s.Prefix+key, string(raw), ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Fail releases the reservation so a legitimate retry can claim the key
// again. Called when the handler errored rather than succeeded.
func (s *Store) Fail(ctx context.Context, key string) error {
	if err := s.Cache.Del(ctx, s.Prefix+key); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
