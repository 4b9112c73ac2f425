package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQuota(t *testing.T, limit int) (*RedisQuota, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := NewRedisQuota(client, limit)
	q.nowFn = func() time.Time { return time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC) }
	return q, mr
}

// TestRedisQuota_Reserve は上限までは確保でき、超過分は拒否されることを検証する。
func TestRedisQuota_Reserve(t *testing.T) {
	q, _ := newTestQuota(t, 3)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		r, err := q.Reserve(ctx, "203.0.113.5")
		if err != nil {
			t.Fatalf("reserve %d: unexpected error: %v", i, err)
		}
		if r.Count != i {
			t.Errorf("reserve %d: count = %d", i, r.Count)
		}
	}

	r, err := q.Reserve(ctx, "203.0.113.5")
	if !errors.Is(err, ErrDailyLimitReached) {
		t.Fatalf("4th reserve: err = %v, want ErrDailyLimitReached", err)
	}
	if r.Count != 3 {
		t.Errorf("count after refusal = %d, want 3", r.Count)
	}

	used, _ := q.Used(ctx, "203.0.113.5")
	if used != 3 {
		t.Errorf("refused reservation should not be counted, Used = %d", used)
	}

	if _, err := q.Reserve(ctx, "198.51.100.7"); err != nil {
		t.Errorf("other subject should have its own counter, got %v", err)
	}
}

func TestRedisQuota_Release(t *testing.T) {
	q, _ := newTestQuota(t, 1)
	ctx := context.Background()

	r, err := q.Reserve(ctx, "s")
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if err := q.Release(ctx, r); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if _, err := q.Reserve(ctx, "s"); err != nil {
		t.Errorf("released slot should be reusable, got %v", err)
	}

	// 確保していない対象の返却で負の値にならない
	if err := q.Release(ctx, Reservation{Key: q.key("never")}); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if used, _ := q.Used(ctx, "never"); used != 0 {
		t.Errorf("Used = %d, want 0", used)
	}
}

// TestRedisQuota_ReleaseAfterMidnight は日付をまたいで返却しても
// 確保した日のカウンターに戻り、翌日の枠に影響しないことを検証する。
func TestRedisQuota_ReleaseAfterMidnight(t *testing.T) {
	q, _ := newTestQuota(t, 1)
	ctx := context.Background()

	q.nowFn = func() time.Time { return time.Date(2026, 5, 10, 23, 59, 59, 0, time.UTC) }
	r, err := q.Reserve(ctx, "s")
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	dayBefore := q.key("s")

	q.nowFn = func() time.Time { return time.Date(2026, 5, 11, 0, 0, 1, 0, time.UTC) }
	next, err := q.Reserve(ctx, "s")
	if err != nil {
		t.Fatalf("Reserve on the next day returned error: %v", err)
	}

	if err := q.Release(ctx, r); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}

	if used, _ := q.Used(ctx, "s"); used != next.Count {
		t.Errorf("next day Used = %d, want %d (release must not touch the new day)", used, next.Count)
	}

	q.nowFn = func() time.Time { return time.Date(2026, 5, 10, 23, 59, 59, 0, time.UTC) }
	if q.key("s") != dayBefore {
		t.Fatalf("key = %q, want %q", q.key("s"), dayBefore)
	}
	if used, _ := q.Used(ctx, "s"); used != 0 {
		t.Errorf("original day Used = %d, want 0 after release", used)
	}
}

func TestRedisQuota_KeyExpires(t *testing.T) {
	q, mr := newTestQuota(t, 3)
	ctx := context.Background()

	q.Reserve(ctx, "s")
	key := q.key("s")
	if ttl := mr.TTL(key); ttl <= 0 || ttl > quotaTTL {
		t.Errorf("TTL = %v, want (0, %v]", ttl, quotaTTL)
	}

	mr.FastForward(quotaTTL + time.Second)
	if mr.Exists(key) {
		t.Error("quota key should expire")
	}
}

func TestRedisQuota_NewDayNewCounter(t *testing.T) {
	q, _ := newTestQuota(t, 1)
	ctx := context.Background()

	if _, err := q.Reserve(ctx, "s"); err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if _, err := q.Reserve(ctx, "s"); !errors.Is(err, ErrDailyLimitReached) {
		t.Fatalf("expected limit, got %v", err)
	}

	q.nowFn = func() time.Time { return time.Date(2026, 5, 11, 0, 0, 1, 0, time.UTC) }
	if _, err := q.Reserve(ctx, "s"); err != nil {
		t.Errorf("new UTC day should reset the counter, got %v", err)
	}
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := OpenRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("OpenRedis returned error: %v", err)
	}
	client.Close()

	if _, err := OpenRedis(context.Background(), "not a url"); err == nil {
		t.Error("expected error for invalid URL")
	}
}
