package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestNewPostgresPoolRequiresURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := NewPostgresPool(context.Background())
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected missing URL error, got %v", err)
	}
}

func TestValidatePostgresTLS(t *testing.T) {
	cases := []struct {
		dsn string
		ok  bool
	}{
		{"postgres://u:p@db:5432/app?sslmode=require", true},
		{"postgres://u:p@db:5432/app?sslmode=verify-ca", true},
		{"postgres://u:p@db:5432/app?sslmode=verify-full", true},
		{"postgres://u:p@db:5432/app?sslmode=disable", false},
		{"postgres://u:p@db:5432/app?sslmode=prefer", false},
		{"postgres://u:p@db:5432/app", false},
	}
	for _, tc := range cases {
		err := validatePostgresTLS(tc.dsn)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.dsn, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected rejection", tc.dsn)
		}
	}
}

func TestNewPostgresPoolEnforcesTLS(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/app?sslmode=disable")
	t.Setenv("DATABASE_REQUIRE_TLS", "true")
	_, err := NewPostgresPool(context.Background())
	if err == nil || !strings.Contains(err.Error(), "sslmode") {
		t.Fatalf("expected sslmode error, got %v", err)
	}
}

func TestNewPostgresPoolRetriesExhausted(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/app")
	t.Setenv("DATABASE_REQUIRE_TLS", "")

	origNew := pgxPoolNewWithConfig
	origRetries := postgresConnectRetries
	origSleep := postgresSleep
	defer func() {
		pgxPoolNewWithConfig = origNew
		postgresConnectRetries = origRetries
		postgresSleep = origSleep
	}()

	attempts := 0
	pgxPoolNewWithConfig = func(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
		attempts++
		return nil, errors.New("dial refused")
	}
	postgresConnectRetries = 3
	slept := 0
	postgresSleep = func(time.Duration) { slept++ }

	_, err := NewPostgresPool(context.Background())
	if err == nil || !strings.Contains(err.Error(), "db ping retries exhausted") {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if slept != 3 {
		t.Fatalf("sleeps = %d, want 3", slept)
	}
}
