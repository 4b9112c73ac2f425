package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/promptcleaner/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate       rate.Limit    // API全般のレート（req/sec）。60/60 = 1 req/sec
	GeneralBurst      int           // API全般のバーストサイズ
	LicenseRate       rate.Limit    // ライセンス検証・照会のレート（req/sec）。10/60
	LicenseBurst      int           // ライセンス検証・照会のバーストサイズ
	CleanupInterval   time.Duration // 期限切れエントリのクリーンアップ間隔
	TrustForwardedFor bool          // X-Forwarded-Forからクライアントアドレスを取得するか
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 60 req/min/IP、ライセンス検証・照会 10 req/min/IP。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(60.0 / 60.0),
		GeneralBurst:    60,
		LicenseRate:     rate.Limit(10.0 / 60.0),
		LicenseBurst:    10,
		CleanupInterval: 5 * time.Minute,
	}
}

// ConfigFromPerMinute は1分あたりの上限からRateLimiterConfigを生成する。
// ライセンス系エンドポイントはキーの総当たりを防ぐため全般の1/6とする（最低1）。
func ConfigFromPerMinute(perMinute int, trustForwardedFor bool) RateLimiterConfig {
	cfg := DefaultRateLimiterConfig()
	if perMinute > 0 {
		cfg.GeneralRate = rate.Limit(float64(perMinute) / 60.0)
		cfg.GeneralBurst = perMinute
		licensePerMinute := max(perMinute/6, 1)
		cfg.LicenseRate = rate.Limit(float64(licensePerMinute) / 60.0)
		cfg.LicenseBurst = licensePerMinute
	}
	cfg.TrustForwardedFor = trustForwardedFor
	return cfg
}

// clientLimiter はクライアントごとのレートリミッターとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は1種類のレート制限についてクライアントアドレスごとのリミッターを管理する。
type limiterSet struct {
	name  string
	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*clientLimiter
}

func newLimiterSet(name string, r rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		name:     name,
		rate:     r,
		burst:    burst,
		limiters: make(map[string]*clientLimiter),
	}
}

// get はクライアントのリミッターを取得または作成し、最終アクセス時刻を更新する。
func (s *limiterSet) get(clientIP string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	cl, exists := s.limiters[clientIP]
	if !exists {
		cl = &clientLimiter{limiter: rate.NewLimiter(s.rate, s.burst)}
		s.limiters[clientIP] = cl
	}
	cl.lastAccess = now
	return cl.limiter
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// evict は最終アクセス時刻がttlを超えたエントリを削除する。
func (s *limiterSet) evict(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ip, cl := range s.limiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(s.limiters, ip)
		}
	}
}

// RateLimiter はクライアントアドレスごとのレート制限を管理する。
// API全般のレート制限とライセンス系エンドポイントのレート制限の2種類を提供する。
type RateLimiter struct {
	config RateLimiterConfig

	general *limiterSet
	license *limiterSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultRateLimiterConfig().CleanupInterval
	}
	rl := &RateLimiter{
		config:  config,
		general: newLimiterSet("general", config.GeneralRate, config.GeneralBurst),
		license: newLimiterSet("license", config.LicenseRate, config.LicenseBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼び出してもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general)
}

// LicenseMiddleware はライセンス検証・照会専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) LicenseMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.license)
}

func (rl *RateLimiter) middleware(set *limiterSet) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := ClientIP(r, rl.config.TrustForwardedFor)

			if !set.get(clientIP, time.Now()).Allow() {
				writeRateLimitResponse(w, set.rate)
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", clientIP),
					slog.String("limit_type", set.name),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// LicenseLimiterCount は現在管理されているライセンス系リミッターのエントリ数を返す。
func (rl *RateLimiter) LicenseLimiterCount() int {
	return rl.license.len()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2
	rl.general.evict(now, ttl)
	rl.license.evict(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = max(int(math.Ceil(1.0/float64(r))), 1)
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
