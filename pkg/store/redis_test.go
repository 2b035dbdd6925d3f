package store

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisConnects(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("REDIS_TLS", "")
	t.Setenv("REDIS_REQUIRE_TLS", "")

	client, err := NewRedis(context.Background())
	if err != nil {
		t.Fatalf("expected connection, got %v", err)
	}
	defer client.Close()
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
}

func TestNewRedisUnreachable(t *testing.T) {
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("REDIS_TLS", "")
	t.Setenv("REDIS_REQUIRE_TLS", "")

	if _, err := NewRedis(context.Background()); err == nil {
		t.Fatal("expected ping failure")
	}
}

func TestNewRedisRequireTLSWithoutTLS(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_TLS", "")
	t.Setenv("REDIS_REQUIRE_TLS", "true")

	_, err := NewRedis(context.Background())
	if err == nil || !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("expected TLS enforcement error, got %v", err)
	}
}

func TestLoadRedisTLSConfig(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		t.Setenv("REDIS_TLS", "")
		cfg, err := loadRedisTLSConfigFromEnv()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg != nil {
			t.Fatal("expected nil config when TLS disabled")
		}
	})

	t.Run("insecure_requires_explicit_allow", func(t *testing.T) {
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_INSECURE", "true")
		t.Setenv("REDIS_ALLOW_INSECURE_TLS", "")
		if _, err := loadRedisTLSConfigFromEnv(); err == nil {
			t.Fatal("expected error for insecure TLS without allow flag")
		}
	})

	t.Run("server_name", func(t *testing.T) {
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_INSECURE", "")
		t.Setenv("REDIS_TLS_SERVER_NAME", "redis.internal")
		t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
		t.Setenv("REDIS_TLS_CERT_FILE", "")
		t.Setenv("REDIS_TLS_KEY_FILE", "")
		cfg, err := loadRedisTLSConfigFromEnv()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.ServerName != "redis.internal" {
			t.Fatalf("server name %q", cfg.ServerName)
		}
	})

	t.Run("cert_without_key", func(t *testing.T) {
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_INSECURE", "")
		t.Setenv("REDIS_TLS_CERT_FILE", "/tmp/cert.pem")
		t.Setenv("REDIS_TLS_KEY_FILE", "")
		if _, err := loadRedisTLSConfigFromEnv(); err == nil {
			t.Fatal("expected error for cert without key")
		}
	})
}
