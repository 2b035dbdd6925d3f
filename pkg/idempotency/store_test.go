package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tripguard/pkg/store"
)

func newRedisStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(store.NewRedisCache(client)), mr
}

func TestReserveCompleteReplay(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	out, err := s.Reserve(ctx, "abc", "webhooks.flight_status", time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if out.State != Reserved {
		t.Fatalf("expected Reserved, got %v", out.State)
	}

	snap := Snapshot{StatusCode: 201, ContentType: "application/json", Body: []byte(`{"ok":true}`)}
	if err := s.Complete(ctx, "abc", snap, time.Hour); err != nil {
		t.Fatalf("complete: %v", err)
	}

	replay, err := s.Reserve(ctx, "abc", "webhooks.flight_status", time.Minute)
	if err != nil {
		t.Fatalf("replay reserve: %v", err)
	}
	if replay.State != AlreadyCompleted {
		t.Fatalf("expected AlreadyCompleted, got %v", replay.State)
	}
	if replay.Snapshot.StatusCode != 201 || string(replay.Snapshot.Body) != `{"ok":true}` {
		t.Fatalf("snapshot mismatch: %+v", replay.Snapshot)
	}
}

func TestReserveInFlightConflict(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	if out, err := s.Reserve(ctx, "k1", "jobs.refresh", time.Minute); err != nil || out.State != Reserved {
		t.Fatalf("first reserve: %v %v", out.State, err)
	}
	out, err := s.Reserve(ctx, "k1", "jobs.refresh", time.Minute)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if out.State != AlreadyReserved {
		t.Fatalf("expected AlreadyReserved, got %v", out.State)
	}
}

func TestFailReleasesReservation(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	if out, _ := s.Reserve(ctx, "k2", "r", time.Minute); out.State != Reserved {
		t.Fatalf("first reserve should win, got %v", out.State)
	}
	if err := s.Fail(ctx, "k2"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	out, err := s.Reserve(ctx, "k2", "r", time.Minute)
	if err != nil {
		t.Fatalf("retry reserve: %v", err)
	}
	if out.State != Reserved {
		t.Fatalf("retry after Fail should win the reservation, got %v", out.State)
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	s, _ := newRedisStore(t)

	const n = 16
	var wg sync.WaitGroup
	states := make([]State, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := s.Reserve(context.Background(), "race", "r", time.Minute)
			if err != nil {
				t.Errorf("reserve %d: %v", i, err)
				return
			}
			states[i] = out.State
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, st := range states {
		if st == Reserved {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one Reserved winner, got %d", winners)
	}
}

func TestReservationExpiry(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	if out, _ := s.Reserve(ctx, "k3", "r", time.Second); out.State != Reserved {
		t.Fatalf("first reserve should win, got %v", out.State)
	}
	mr.FastForward(2 * time.Second)
	out, err := s.Reserve(ctx, "k3", "r", time.Second)
	if err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}
	if out.State != Reserved {
		t.Fatalf("expected fresh reservation after TTL expiry, got %v", out.State)
	}
}

func TestReserveStoreUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(store.NewRedisCache(client))
	mr.Close()

	_, err = s.Reserve(context.Background(), "k", "r", time.Minute)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
