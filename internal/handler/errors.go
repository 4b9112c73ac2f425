package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/promptcleaner/internal/middleware"
	"github.com/hitoshi/promptcleaner/internal/model"
)

// maxBodyBytes はリクエストボディの上限サイズ。
const maxBodyBytes = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// readBody はリクエストボディを上限サイズまで読み込む。
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

// decodeJSON はリクエストボディをJSONとして解析する。
// 解析に失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return false
	}
	return true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		middleware.WriteErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.ErrorContext(r.Context(), "internal server error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidPrompt, model.ErrCodePromptTooLong,
		model.ErrCodeInvalidPurchase, model.ErrCodeEmailRequired, model.ErrCodeLicenseInvalid:
		return http.StatusBadRequest
	case model.ErrCodeInvalidSignature:
		return http.StatusUnauthorized
	case model.ErrCodeUnknownProduct:
		return http.StatusForbidden
	case model.ErrCodeLicenseNotFound, model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeDailyLimitReached, model.ErrCodeUpstreamRateLimited, model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeKeyCollision, model.ErrCodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		// UPSTREAM_MALFORMED, UPSTREAM_ERROR, STORAGE_ERROR, SERVER_CONFIGURATION
		return http.StatusInternalServerError
	}
}
