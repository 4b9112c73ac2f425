package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/promptcleaner/internal/model"
)

// TestWriteErrorResponse_WritesUnifiedFormat は統一エラーフォーマットでレスポンスが書き込まれることを検証する。
func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidPromptError())

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}

	if body.Code != model.ErrCodeInvalidPrompt {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidPrompt)
	}
	if body.Message != "プロンプトが入力されていません。" {
		t.Errorf("message = %q", body.Message)
	}
	if body.Category != "validation" {
		t.Errorf("category = %q, want %q", body.Category, "validation")
	}
	if body.Action == "" {
		t.Error("action should not be empty")
	}
	if body.Retryable {
		t.Error("validation error should not be retryable")
	}
}

// TestWriteErrorResponse_DifferentStatusCodes は異なるステータスコードで正しく動作することを検証する。
func TestWriteErrorResponse_DifferentStatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		apiErr     *model.APIError
		retryable  bool
	}{
		{"Unauthorized", http.StatusUnauthorized, model.NewInvalidSignatureError(), false},
		{"Forbidden", http.StatusForbidden, model.NewUnknownProductError(), false},
		{"NotFound", http.StatusNotFound, model.NewLicenseNotFoundError(), false},
		{"TooManyRequests", http.StatusTooManyRequests, model.NewDailyLimitReachedError(3), true},
		{"GatewayTimeout", http.StatusGatewayTimeout, model.NewUpstreamTimeoutError(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			WriteErrorResponse(w, tt.statusCode, tt.apiErr)

			resp := w.Result()
			if resp.StatusCode != tt.statusCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.statusCode)
			}

			var body ErrorResponseBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}

			if body.Code != tt.apiErr.Code {
				t.Errorf("code = %q, want %q", body.Code, tt.apiErr.Code)
			}
			if body.Category != tt.apiErr.Category {
				t.Errorf("category = %q, want %q", body.Category, tt.apiErr.Category)
			}
			if body.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", body.Retryable, tt.retryable)
			}
		})
	}
}

// TestInternalServerError_ReturnsSystemError は内部エラーが統一フォーマットで返ることを検証する。
func TestInternalServerError_ReturnsSystemError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalServerError(w)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want %q", body.Code, "INTERNAL_ERROR")
	}
	if body.Category != "system" {
		t.Errorf("category = %q, want %q", body.Category, "system")
	}
	if body.Action == "" {
		t.Error("action should not be empty")
	}
}

func TestWriteNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNotFound(w)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeNotFound {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeNotFound)
	}
}

// TestErrorResponseBody_DebugOmittedWhenEmpty はdebugフィールドが空の場合に出力されないことを検証する。
func TestErrorResponseBody_DebugOmittedWhenEmpty(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorResponse(w, http.StatusBadGateway, model.NewUpstreamError())

	var raw map[string]any
	if err := json.NewDecoder(w.Result().Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	for _, field := range []string{"code", "message", "category", "action", "retryable"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
	if _, ok := raw["debug"]; ok {
		t.Error("debug field should be omitted when empty")
	}

	apiErr := model.NewUpstreamError()
	apiErr.Debug = "status 502"
	w = httptest.NewRecorder()
	WriteErrorResponse(w, http.StatusBadGateway, apiErr)

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Debug != "status 502" {
		t.Errorf("debug = %q, want %q", body.Debug, "status 502")
	}
}
