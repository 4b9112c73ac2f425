// Package llm はLLMのChat Completions APIクライアントを提供する。
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker"

	"github.com/hitoshi/promptcleaner/internal/metrics"
)

const (
	// DefaultBaseURL はOpenAI APIのベースURL。
	DefaultBaseURL = "https://api.openai.com/v1"

	defaultTimeout         = 30 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second

	// maxResponseBytes は読み取る応答ボディの上限。
	maxResponseBytes = 1 << 20
	// excerptBytes はデバッグ用に保持する応答ボディの長さ。
	excerptBytes = 200
)

// Config はClientの設定。ゼロ値の項目にはデフォルト値を使う。
type Config struct {
	APIKey          string
	BaseURL         string
	Timeout         time.Duration
	BreakerFailures uint32        // 連続失敗がこの回数に達するとブレーカーを開く
	BreakerCooldown time.Duration // ブレーカーを開いてから試行を再開するまでの時間
}

// ChatRequest は1回のChat Completions呼び出しの入力。
type ChatRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64
}

// ChatResponse はChat Completions呼び出しの結果。
type ChatResponse struct {
	Content     string
	TotalTokens int
}

// Client はChat Completions APIのクライアント。
// 連続した失敗でサーキットブレーカーを開き、回復までは外部呼び出しを行わない。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	apiKey     string
	endpoint   string
	timeout    time.Duration
	breaker    *gobreaker.CircuitBreaker
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, collector metrics.MetricsCollector, cfg Config) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = defaultBreakerCooldown
	}

	c := &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    collector,
		apiKey:     cfg.APIKey,
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		timeout:    cfg.Timeout,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: isBreakerSuccess,
	})

	return c
}

// HasAPIKey はAPIキーが設定されているかどうかを返す。
func (c *Client) HasAPIKey() bool {
	return c.apiKey != ""
}

// BreakerState は現在のサーキットブレーカーの状態を返す。
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Complete はChat Completions APIを1回呼び出す。
// 自動リトライは行わない。失敗は *Error として分類して返す。
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.apiKey == "" {
		return nil, &Error{Kind: KindConfiguration, Err: errors.New("API key is not configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.WarnContext(ctx, "LLM request rejected by open circuit breaker")
			return nil, &Error{Kind: KindUnavailable, Err: err}
		}
		return nil, err
	}

	return result.(*ChatResponse), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func (b *apiErrorBody) code() string {
	if b == nil {
		return ""
	}
	if s, ok := b.Code.(string); ok && s != "" {
		return s
	}
	return b.Type
}

func (c *Client) do(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	payload, err := json.Marshal(chatCompletionRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	c.metrics.RecordUpstreamLatency(time.Since(start))
	if err != nil {
		kind := classifyTransportError(ctx, err)
		c.logger.ErrorContext(ctx, "LLM request failed",
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()),
		)
		return nil, &Error{Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		kind := classifyTransportError(ctx, err)
		c.logger.ErrorContext(ctx, "failed to read LLM response",
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()),
		)
		return nil, &Error{Kind: kind, StatusCode: resp.StatusCode, Err: err}
	}
	excerpt := truncate(string(body), excerptBytes)

	// エラー応答の本文はJSONとは限らないため、ステータスでの分類を優先する
	var decoded chatCompletionResponse
	decodeErr := json.Unmarshal(body, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code := decoded.Error.code()
		kind := classifyStatus(resp.StatusCode, code)
		c.logger.ErrorContext(ctx, "LLM API returned error",
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", code),
			slog.String("kind", kind.String()),
		)
		return nil, &Error{Kind: kind, StatusCode: resp.StatusCode, Code: code, Excerpt: excerpt}
	}

	if decodeErr != nil {
		c.logger.ErrorContext(ctx, "LLM response is not valid JSON",
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &Error{Kind: KindMalformed, StatusCode: resp.StatusCode, Excerpt: excerpt, Err: decodeErr}
	}

	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		c.logger.ErrorContext(ctx, "LLM response has no content")
		return nil, &Error{Kind: KindMalformed, StatusCode: resp.StatusCode, Excerpt: excerpt,
			Err: errors.New("empty completion")}
	}

	return &ChatResponse{
		Content:     strings.TrimSpace(decoded.Choices[0].Message.Content),
		TotalTokens: decoded.Usage.TotalTokens,
	}, nil
}

// classifyStatus はエラー応答のステータスとエラーコードから分類を決める。
func classifyStatus(status int, code string) ErrorKind {
	switch code {
	case "rate_limit_exceeded":
		return KindRateLimited
	case "insufficient_quota":
		return KindQuotaExceeded
	}

	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusServiceUnavailable:
		return KindUnavailable
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status >= 500:
		return KindUpstream
	case status >= 400:
		return KindBadRequest
	default:
		return KindUpstream
	}
}

// classifyTransportError は応答を受け取れなかった原因を分類する。
func classifyTransportError(ctx context.Context, err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnavailable
}

// isBreakerSuccess はブレーカーの失敗回数に数えないエラーを判定する。
// リクエスト内容に起因する拒否と呼び出し元によるキャンセルはLLM APIの障害ではない。
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	kind, ok := KindOf(err)
	return ok && (kind == KindBadRequest || kind == KindConfiguration)
}

// truncate は先頭nバイト以内で文字の途中を切らないように切り詰める。
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
