package llm

import (
	"errors"
	"fmt"
)

// ErrorKind はLLM API呼び出しの失敗分類。
type ErrorKind int

const (
	// KindUpstream はLLM APIがエラーを返した場合（5xxや認証エラーなど）。
	KindUpstream ErrorKind = iota
	// KindRateLimited はLLM APIのレート制限に達した場合。
	KindRateLimited
	// KindQuotaExceeded はAPIキーの利用枠を使い切った場合。
	KindQuotaExceeded
	// KindUnavailable はLLM APIに接続できない場合、またはサーキットブレーカーが開いている場合。
	KindUnavailable
	// KindTimeout は応答がタイムアウトした場合。
	KindTimeout
	// KindMalformed は応答を解釈できない、または本文が空の場合。
	KindMalformed
	// KindBadRequest はリクエスト内容を理由にLLM APIが拒否した場合。
	KindBadRequest
	// KindConfiguration はAPIキー未設定など、サーバー側の設定不備。
	KindConfiguration
)

func (k ErrorKind) String() string {
	switch k {
	case KindUpstream:
		return "upstream"
	case KindRateLimited:
		return "rate_limited"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindMalformed:
		return "malformed"
	case KindBadRequest:
		return "bad_request"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error はLLM API呼び出しの失敗を表す。
type Error struct {
	Kind       ErrorKind
	StatusCode int    // HTTPステータス。応答がない場合は0
	Code       string // LLM APIのエラーコード（例: rate_limit_exceeded）
	Excerpt    string // 応答ボディの先頭部分。開発モードのデバッグ情報に使う
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("llm: %s", e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf はerrがLLMエラーであればその分類を返す。
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
