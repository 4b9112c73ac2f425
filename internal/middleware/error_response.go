package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/promptcleaner/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。Debugは開発モードでのみ設定される。
type ErrorResponseBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Action    string `json:"action"`
	Retryable bool   `json:"retryable"`
	Debug     string `json:"debug,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Category:  apiErr.Category,
		Action:    apiErr.Action,
		Retryable: apiErr.Retryable(),
		Debug:     apiErr.Debug,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteNotFound は存在しないエンドポイントへのリクエストに404を返す。
func WriteNotFound(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusNotFound, &model.APIError{
		Code:     model.ErrCodeNotFound,
		Message:  "エンドポイントが見つかりません。",
		Category: "validation",
		Action:   "リクエストのパスを確認してください。",
	})
}
