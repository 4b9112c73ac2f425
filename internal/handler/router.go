package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/promptcleaner/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	TrustForwardedFor bool

	// ライセンス
	LicenseService LicenseServiceInterface
	Verifier       SignatureVerifier
	LicenseConfig  LicenseHandlerConfig

	// プロンプト
	PromptService PromptServiceInterface

	// ヘルスチェック
	DB        HealthChecker
	HasAPIKey bool

	// MetricsHandler が nil でない場合は /metrics に公開する。
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
// ライセンスの検証・照会には専用のレート制限を追加で適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.TrustForwardedFor))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteNotFound(w)
	})

	licenseHandler := NewLicenseHandler(deps.LicenseService, deps.Verifier, deps.LicenseConfig)
	promptHandler := NewPromptHandler(deps.PromptService, deps.TrustForwardedFor)
	healthHandler := NewHealthHandler(deps.DB, deps.HasAPIKey)

	// --- レート制限なしのルート ---
	r.Get("/health", healthHandler.Health)
	r.Get("/api/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		// 購入Webhook
		r.Post("/license/issue", licenseHandler.Issue)
		r.Post("/api/license/webhook", licenseHandler.Issue)

		// プロンプトクリーニング
		r.Post("/prompt/clean", promptHandler.Clean)
		r.Post("/api/clean-prompt", promptHandler.Clean)

		// ライセンスの検証・照会（キーの総当たり対策として専用のレート制限を追加）
		r.Group(func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.LicenseMiddleware())
			}
			r.Post("/license/validate", licenseHandler.Validate)
			r.Post("/api/license/validate", licenseHandler.Validate)
			r.Get("/license/lookup", licenseHandler.Lookup)
			r.Get("/api/lookup", licenseHandler.Lookup)
		})
	})

	return r
}
