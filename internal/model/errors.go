// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, auth, upstream, storage, system
	Action   string // ユーザー向け対処方法
	Debug    string // 開発モードでのみレスポンスに含める詳細
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Retryable は呼び出し元が時間をおいて再試行してよいエラーかどうかを返す。
func (e *APIError) Retryable() bool {
	switch e.Code {
	case ErrCodeUpstreamRateLimited, ErrCodeUpstreamUnavailable, ErrCodeUpstreamTimeout,
		ErrCodeKeyCollision, ErrCodeDailyLimitReached, ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeInvalidPrompt       = "INVALID_PROMPT"
	ErrCodePromptTooLong       = "PROMPT_TOO_LONG"
	ErrCodeInvalidPurchase     = "INVALID_PURCHASE"
	ErrCodeInvalidSignature    = "INVALID_SIGNATURE"
	ErrCodeUnknownProduct      = "UNKNOWN_PRODUCT"
	ErrCodeEmailRequired       = "EMAIL_REQUIRED"
	ErrCodeLicenseNotFound     = "LICENSE_NOT_FOUND"
	ErrCodeLicenseInvalid      = "LICENSE_INVALID"
	ErrCodeKeyCollision        = "KEY_COLLISION"
	ErrCodeStorage             = "STORAGE_ERROR"
	ErrCodeDailyLimitReached   = "DAILY_LIMIT_REACHED"
	ErrCodeUpstreamRateLimited = "UPSTREAM_RATE_LIMITED"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeUpstreamTimeout     = "UPSTREAM_TIMEOUT"
	ErrCodeUpstreamMalformed   = "UPSTREAM_MALFORMED"
	ErrCodeUpstreamError       = "UPSTREAM_ERROR"
	ErrCodeServerConfiguration = "SERVER_CONFIGURATION"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewInvalidPromptError は空または不正なプロンプトのエラーを生成する。
func NewInvalidPromptError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPrompt,
		Message:  "プロンプトが入力されていません。",
		Category: "validation",
		Action:   "クリーニングするプロンプトを入力してください。",
	}
}

// NewPromptTooLongError はプロンプト長の上限超過エラーを生成する。
func NewPromptTooLongError(max int) *APIError {
	return &APIError{
		Code:     ErrCodePromptTooLong,
		Message:  fmt.Sprintf("プロンプトが長すぎます（最大%d文字）。", max),
		Category: "validation",
		Action:   "プロンプトを短くしてから再度お試しください。",
	}
}

// NewInvalidPurchaseError は購入通知のペイロード不備エラーを生成する。
func NewInvalidPurchaseError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPurchase,
		Message:  fmt.Sprintf("購入通知が不正です: %s", reason),
		Category: "validation",
		Action:   "購入通知にemailとidが含まれているか確認してください。",
	}
}

// NewInvalidSignatureError はWebhook署名の検証失敗エラーを生成する。
func NewInvalidSignatureError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignature,
		Message:  "Webhook署名の検証に失敗しました。",
		Category: "auth",
		Action:   "共有シークレットの設定を確認してください。",
	}
}

// NewUnknownProductError は対象外の商品IDに対するエラーを生成する。
func NewUnknownProductError() *APIError {
	return &APIError{
		Code:     ErrCodeUnknownProduct,
		Message:  "対象外の商品です。",
		Category: "auth",
		Action:   "Webhookの送信元商品を確認してください。",
	}
}

// NewEmailRequiredError はメールアドレス未指定のエラーを生成する。
func NewEmailRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailRequired,
		Message:  "メールアドレスを指定してください。",
		Category: "validation",
		Action:   "購入時のメールアドレスを入力してください。",
	}
}

// NewLicenseNotFoundError はライセンス未検出エラーを生成する。
func NewLicenseNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeLicenseNotFound,
		Message:  "ライセンスが見つかりません。",
		Category: "validation",
		Action:   "メールアドレスをもう一度確認してください。",
	}
}

// NewLicenseInvalidError はライセンスキーの引き換え失敗エラーを生成する。
// 未発行と引き換え済みを区別しない。
func NewLicenseInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeLicenseInvalid,
		Message:  "ライセンスキーが無効です。",
		Category: "validation",
		Action:   "ライセンスキーを確認してください。",
	}
}

// NewKeyCollisionError はキー生成の衝突が上限回数続いた場合のエラーを生成する。
func NewKeyCollisionError() *APIError {
	return &APIError{
		Code:     ErrCodeKeyCollision,
		Message:  "ライセンスキーを生成できませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewStorageError はストレージ障害のエラーを生成する。
// 内部の詳細は含めない。
func NewStorageError() *APIError {
	return &APIError{
		Code:     ErrCodeStorage,
		Message:  "データの保存または取得に失敗しました。",
		Category: "storage",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewDailyLimitReachedError は無料プランの1日の利用上限到達エラーを生成する。
func NewDailyLimitReachedError(limit int) *APIError {
	return &APIError{
		Code:     ErrCodeDailyLimitReached,
		Message:  fmt.Sprintf("本日の利用上限（%d回）に達しました。", limit),
		Category: "validation",
		Action:   "明日再度お試しいただくか、Proにアップグレードしてください。",
	}
}

// NewUpstreamRateLimitedError はLLM APIのレート制限エラーを生成する。
func NewUpstreamRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamRateLimited,
		Message:  "サービスが混み合っています。",
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUpstreamUnavailableError はLLM APIに接続できない場合のエラーを生成する。
func NewUpstreamUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamUnavailable,
		Message:  "AIサービスが一時的に利用できません。",
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUpstreamTimeoutError はLLM APIの応答タイムアウトエラーを生成する。
func NewUpstreamTimeoutError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamTimeout,
		Message:  "AIサービスの応答がタイムアウトしました。",
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUpstreamMalformedError はLLM APIの応答が解釈できない場合のエラーを生成する。
func NewUpstreamMalformedError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamMalformed,
		Message:  "AIサービスの応答を処理できませんでした。",
		Category: "upstream",
		Action:   "プロンプトを変えて再度お試しください。",
	}
}

// NewUpstreamError はその他のLLM APIエラーを生成する。
func NewUpstreamError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamError,
		Message:  "AIサービスでエラーが発生しました。",
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewServerConfigurationError はサーバー設定不備のエラーを生成する。
func NewServerConfigurationError() *APIError {
	return &APIError{
		Code:     ErrCodeServerConfiguration,
		Message:  "サーバーの設定に問題があります。",
		Category: "system",
		Action:   "管理者に連絡してください。",
	}
}

// NewRateLimitedError はクライアント単位のリクエストレート超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}
