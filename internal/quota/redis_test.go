package quota_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/sambrabizz-star/istheaudio/internal/quota"
)

// setupMiniredis starts a miniredis instance and returns a connected client.
func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLedger_CountsWithinBucket(t *testing.T) {
	mr, client := setupMiniredis(t)
	mr.SetTime(time.Date(2026, 10, 16, 14, 25, 0, 0, time.UTC))
	ledger := quota.NewRedisLedger(client)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		u, err := ledger.IncrementAndGet(ctx, "u1")
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if u.Count != i {
			t.Errorf("increment %d: Count = %d", i, u.Count)
		}
		if want := time.Date(2026, 10, 16, 14, 0, 0, 0, time.UTC); !u.Bucket.Equal(want) {
			t.Errorf("Bucket = %v, want %v", u.Bucket, want)
		}
	}
}

func TestRedisLedger_NewBucketStartsAtOne(t *testing.T) {
	mr, client := setupMiniredis(t)
	ledger := quota.NewRedisLedger(client)
	ctx := context.Background()

	mr.SetTime(time.Date(2026, 10, 16, 14, 59, 59, 0, time.UTC))
	for i := 0; i < 3; i++ {
		if _, err := ledger.IncrementAndGet(ctx, "u1"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	mr.SetTime(time.Date(2026, 10, 16, 15, 0, 1, 0, time.UTC))
	u, err := ledger.IncrementAndGet(ctx, "u1")
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if u.Count != 1 {
		t.Errorf("Count in new bucket = %d, want 1", u.Count)
	}
	if want := time.Date(2026, 10, 16, 16, 0, 0, 0, time.UTC); !u.ResetAt().Equal(want) {
		t.Errorf("ResetAt = %v, want %v", u.ResetAt(), want)
	}
}

func TestRedisLedger_IdentitiesAreIndependent(t *testing.T) {
	mr, client := setupMiniredis(t)
	mr.SetTime(time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC))
	ledger := quota.NewRedisLedger(client, quota.WithKeyPrefix("test"))
	ctx := context.Background()

	_, _ = ledger.IncrementAndGet(ctx, "alice")
	_, _ = ledger.IncrementAndGet(ctx, "alice")
	u, err := ledger.IncrementAndGet(ctx, "bob")
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if u.Count != 1 {
		t.Errorf("bob Count = %d, want 1", u.Count)
	}

	bucket := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC).Unix()
	key := "test:alice:" + strconv.FormatInt(bucket, 10)
	if got, err := mr.Get(key); err != nil || got != "2" {
		t.Errorf("key %s = %q (%v), want 2", key, got, err)
	}
}

func TestRedisLedger_BucketKeyExpires(t *testing.T) {
	mr, client := setupMiniredis(t)
	mr.SetTime(time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC))
	ledger := quota.NewRedisLedger(client, quota.WithRetention(time.Hour))

	if _, err := ledger.IncrementAndGet(context.Background(), "u1"); err != nil {
		t.Fatalf("increment: %v", err)
	}

	key := "quota:u1:" + strconv.FormatInt(time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC).Unix(), 10)
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Errorf("expected a TTL on %s, got %v", key, ttl)
	}
}

func TestRedisLedger_ConcurrentIncrementsAreDistinct(t *testing.T) {
	_, client := setupMiniredis(t)
	ledger := quota.NewRedisLedger(client)
	ctx := context.Background()

	const n = 40
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := ledger.IncrementAndGet(ctx, "u1")
			if err != nil {
				t.Errorf("increment: %v", err)
				return
			}
			mu.Lock()
			seen[u.Count] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	for i := int64(1); i <= n; i++ {
		if !seen[i] {
			t.Errorf("count %d was never returned", i)
		}
	}
}

func TestRedisLedger_StoreError(t *testing.T) {
	mr, client := setupMiniredis(t)
	mr.Close()

	_, err := quota.NewRedisLedger(client).IncrementAndGet(context.Background(), "u1")
	if !errors.Is(err, quota.ErrStore) {
		t.Fatalf("expected ErrStore when redis is down, got %v", err)
	}
}

func TestOpenRedis(t *testing.T) {
	mr, _ := setupMiniredis(t)

	client, err := quota.OpenRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	client.Close()

	if _, err := quota.OpenRedis(context.Background(), "://bad"); err == nil {
		t.Error("expected error for malformed URL")
	}
}
