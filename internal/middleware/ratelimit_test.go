package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/promptcleaner/internal/model"
)

func testLimiterConfig(generalBurst, licenseBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    generalBurst,
		LicenseRate:     1,
		LicenseBurst:    licenseBurst,
		CleanupInterval: 1 * time.Minute,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestFrom(method, path, remoteAddr string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	return req
}

// --- GeneralMiddleware のテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(5, 10))
	defer rl.Stop()

	handlerCallCount := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom(http.MethodPost, "/prompt/clean", "192.0.2.1:1000"))

		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	if handlerCallCount != 5 {
		t.Errorf("handler call count = %d, want 5", handlerCallCount)
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfterHeader(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(2, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	// バースト分（2回）は通る
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom(http.MethodGet, "/health", "192.0.2.2:1000"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	// 3回目はレート制限に引っかかる
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom(http.MethodGet, "/health", "192.0.2.2:1000"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	retryAfter := w.Header().Get("Retry-After")
	retrySeconds, err := strconv.Atoi(retryAfter)
	if err != nil {
		t.Fatalf("Retry-After header should be a number, got %q", retryAfter)
	}
	if retrySeconds < 1 {
		t.Errorf("Retry-After = %d, should be at least 1", retrySeconds)
	}
}

func TestRateLimitMiddleware_429ResponseIsUnifiedJSON(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(1, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), requestFrom(http.MethodGet, "/", "192.0.2.3:1"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom(http.MethodGet, "/", "192.0.2.3:1"))

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeRateLimited {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeRateLimited)
	}
	if !body.Retryable {
		t.Error("rate limit error should be retryable")
	}
}

func TestRateLimitMiddleware_IsolatesClients(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(1, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	wA := httptest.NewRecorder()
	handler.ServeHTTP(wA, requestFrom(http.MethodGet, "/", "192.0.2.10:1"))
	wA2 := httptest.NewRecorder()
	handler.ServeHTTP(wA2, requestFrom(http.MethodGet, "/", "192.0.2.10:2"))

	if wA.Code != http.StatusOK {
		t.Errorf("client A first request: status = %d, want 200", wA.Code)
	}
	// 同一アドレスは送信元ポートが違っても同じクライアントとして扱う
	if wA2.Code != http.StatusTooManyRequests {
		t.Errorf("client A second request: status = %d, want 429", wA2.Code)
	}

	wB := httptest.NewRecorder()
	handler.ServeHTTP(wB, requestFrom(http.MethodGet, "/", "192.0.2.11:1"))
	if wB.Code != http.StatusOK {
		t.Errorf("client B first request: status = %d, want 200", wB.Code)
	}

	if got := rl.GeneralLimiterCount(); got != 2 {
		t.Errorf("GeneralLimiterCount() = %d, want 2", got)
	}
}

func TestRateLimitMiddleware_TrustForwardedFor(t *testing.T) {
	cfg := testLimiterConfig(1, 10)
	cfg.TrustForwardedFor = true
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	// プロキシ経由の別クライアントは別々に制限される
	for _, xff := range []string{"203.0.113.1", "203.0.113.2"} {
		req := requestFrom(http.MethodGet, "/", "10.0.0.1:1")
		req.Header.Set("X-Forwarded-For", xff)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("xff %s: status = %d, want 200", xff, w.Code)
		}
	}
}

// --- LicenseMiddleware のテスト ---

func TestLicenseRateLimit_Returns429WhenLimitExceeded(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(100, 1))
	defer rl.Stop()

	handler := rl.LicenseMiddleware()(okHandler())

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, requestFrom(http.MethodPost, "/license/validate", "192.0.2.20:1"))
	if w1.Code != http.StatusOK {
		t.Errorf("request 1: status = %d, want 200", w1.Code)
	}

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, requestFrom(http.MethodPost, "/license/validate", "192.0.2.20:1"))
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("request 2: status = %d, want 429", w2.Code)
	}
	if w2.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header to be present")
	}
}

func TestLicenseRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(1, 1))
	defer rl.Stop()

	general := rl.GeneralMiddleware()(okHandler())
	license := rl.LicenseMiddleware()(okHandler())

	general.ServeHTTP(httptest.NewRecorder(), requestFrom(http.MethodGet, "/health", "192.0.2.30:1"))

	// API全般の枠は使い果たしたが、ライセンス系の枠はまだ使える
	w := httptest.NewRecorder()
	license.ServeHTTP(w, requestFrom(http.MethodPost, "/license/validate", "192.0.2.30:1"))
	if w.Code != http.StatusOK {
		t.Errorf("license request should still be allowed: status = %d, want 200", w.Code)
	}
	if got := rl.LicenseLimiterCount(); got != 1 {
		t.Errorf("LicenseLimiterCount() = %d, want 1", got)
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(10, 10))
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestFrom(http.MethodGet, "/", "192.0.2.40:1"))
	rl.LicenseMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestFrom(http.MethodGet, "/", "192.0.2.40:1"))

	// TTL（CleanupIntervalの2倍）以内ならエントリは残る
	rl.cleanup(time.Now().Add(time.Minute))
	if rl.GeneralLimiterCount() != 1 || rl.LicenseLimiterCount() != 1 {
		t.Fatalf("entries should survive within TTL: general=%d license=%d",
			rl.GeneralLimiterCount(), rl.LicenseLimiterCount())
	}

	rl.cleanup(time.Now().Add(3 * time.Minute))
	if rl.GeneralLimiterCount() != 0 || rl.LicenseLimiterCount() != 0 {
		t.Errorf("expired entries should be removed: general=%d license=%d",
			rl.GeneralLimiterCount(), rl.LicenseLimiterCount())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(1, 1))
	rl.Stop()
	rl.Stop()
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != rate.Limit(1) {
		t.Errorf("GeneralRate = %v, want 1", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 60 {
		t.Errorf("GeneralBurst = %d, want 60", cfg.GeneralBurst)
	}
	if cfg.LicenseBurst != 10 {
		t.Errorf("LicenseBurst = %d, want 10", cfg.LicenseBurst)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
	if cfg.TrustForwardedFor {
		t.Error("TrustForwardedFor should be disabled by default")
	}
}

func TestConfigFromPerMinute(t *testing.T) {
	tests := []struct {
		perMinute        int
		wantGeneralBurst int
		wantLicenseBurst int
	}{
		{perMinute: 120, wantGeneralBurst: 120, wantLicenseBurst: 20},
		{perMinute: 3, wantGeneralBurst: 3, wantLicenseBurst: 1},
		{perMinute: 0, wantGeneralBurst: 60, wantLicenseBurst: 10},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.perMinute), func(t *testing.T) {
			cfg := ConfigFromPerMinute(tt.perMinute, true)
			if cfg.GeneralBurst != tt.wantGeneralBurst {
				t.Errorf("GeneralBurst = %d, want %d", cfg.GeneralBurst, tt.wantGeneralBurst)
			}
			if cfg.LicenseBurst != tt.wantLicenseBurst {
				t.Errorf("LicenseBurst = %d, want %d", cfg.LicenseBurst, tt.wantLicenseBurst)
			}
			if !cfg.TrustForwardedFor {
				t.Error("TrustForwardedFor should be propagated")
			}
		})
	}
}
