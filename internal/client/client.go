// Package client はPrompt Cleaner APIのHTTPクライアントを提供する。
// CLIのclean、redeem、lookupサブコマンドから使用する。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// maxResponseBytes はレスポンスボディの読み取り上限。
const maxResponseBytes = 1 << 20

// Client はPrompt Cleaner APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURL はスキームとホストを含むサーバーのURL（例: http://localhost:3001）。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// ResponseError はサーバーが返した統一エラーレスポンスを表す。
type ResponseError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Category   string `json:"category"`
	Action     string `json:"action"`
	Retryable  bool   `json:"retryable"`
}

// Error はerrorインターフェースを実装する。
func (e *ResponseError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// CleanRequest はクリーニング要求。
type CleanRequest struct {
	Prompt     string `json:"prompt"`
	IsProUser  bool   `json:"isProUser"`
	LicenseKey string `json:"licenseKey,omitempty"`
}

// CleanResponse はクリーニング結果。
type CleanResponse struct {
	Output     string `json:"output"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokensUsed"`
}

// LookupResult はメールアドレス照会の結果。
// サーバーがメール送信モードの場合は LicenseKey が空で Sent が true になる。
type LookupResult struct {
	LicenseKey string `json:"licenseKey"`
	Sent       bool   `json:"sent"`
}

// Clean はプロンプトのクリーニングを要求する。
// POST /prompt/clean
func (c *Client) Clean(ctx context.Context, req CleanRequest) (*CleanResponse, error) {
	var resp CleanResponse
	if _, err := c.do(ctx, http.MethodPost, "/prompt/clean", req, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Redeem はライセンスキーを検証して引き換える。
// 引き換えできた場合はtrue、未発行または引き換え済みの場合はfalseを返す。
// POST /license/validate
func (c *Client) Redeem(ctx context.Context, key string) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}
	status, err := c.do(ctx, http.MethodPost, "/license/validate",
		map[string]string{"licenseKey": key}, &resp, http.StatusOK, http.StatusBadRequest)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK && resp.Valid, nil
}

// Lookup はメールアドレスに紐づくライセンスキーを照会する。
// GET /license/lookup?email=
func (c *Client) Lookup(ctx context.Context, email string) (*LookupResult, error) {
	var resp LookupResult
	path := "/license/lookup?email=" + url.QueryEscape(email)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &resp, http.StatusOK, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do はリクエストを送信し、許可されたステータスの場合はレスポンスを out にデコードする。
// それ以外のステータスは *ResponseError として返す。
func (c *Client) do(ctx context.Context, method, path string, in, out any, okStatus ...int) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed",
			slog.String("method", method),
			slog.String("path", req.URL.Path),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("request to %s failed: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	for _, s := range okStatus {
		if resp.StatusCode == s {
			if err := json.Unmarshal(raw, out); err != nil {
				return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
			}
			return resp.StatusCode, nil
		}
	}

	respErr := &ResponseError{StatusCode: resp.StatusCode}
	// エラーボディが統一フォーマットでない場合はステータスのみ返す
	_ = json.Unmarshal(raw, respErr)
	respErr.StatusCode = resp.StatusCode
	return resp.StatusCode, respErr
}
