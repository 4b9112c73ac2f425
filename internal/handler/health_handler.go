package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// healthPingTimeout はヘルスチェック時のデータベース疎通確認のタイムアウト。
const healthPingTimeout = 2 * time.Second

// HealthChecker はデータベースの疎通確認インターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	db        HealthChecker
	hasAPIKey bool
	nowFn     func() time.Time
}

// NewHealthHandler はHealthHandlerを生成する。db が nil の場合は疎通確認を行わない。
func NewHealthHandler(db HealthChecker, hasAPIKey bool) *HealthHandler {
	return &HealthHandler{db: db, hasAPIKey: hasAPIKey, nowFn: time.Now}
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	HasAPIKey bool   `json:"hasApiKey"`
}

// Health はサービスの稼働状態を返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.nowFn().UTC().Format(time.RFC3339),
		HasAPIKey: h.hasAPIKey,
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			slog.WarnContext(r.Context(), "health check: database unreachable", slog.String("error", err.Error()))
			resp.Status = "unavailable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
