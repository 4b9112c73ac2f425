// Package prompt はプロンプトクリーニングのドメインロジックを提供する。
// 入力検証、利用プランの選択、サーバー側の利用上限、LLM APIエラーの分類を行う。
package prompt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/promptcleaner/internal/llm"
	"github.com/hitoshi/promptcleaner/internal/metrics"
	"github.com/hitoshi/promptcleaner/internal/model"
	"github.com/hitoshi/promptcleaner/internal/usage"
)

const (
	// DefaultMaxChars はプロンプトの最大文字数のデフォルト値。
	DefaultMaxChars = 10000

	userPromptPrefix = "Please clean and optimize this prompt:\n\n"
	temperature      = 0.3

	proSystemPrompt  = "You are an expert AI prompt optimizer. Clean, restructure, and enhance the given prompt to make it more effective, clear, and professional. Focus on clarity, specificity, and proper formatting. Remove redundancy and improve structure while maintaining the original intent. Return only the optimized prompt without explanations."
	freeSystemPrompt = "You are an assistant that simplifies and cleans prompts. Make the prompt clearer, more concise, and better structured while keeping the main intent. Return only the cleaned prompt without explanations."
)

// Completer はLLM呼び出しのインターフェース。*llm.Client が満たす。
type Completer interface {
	Complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Quota はサーバー側の利用上限のインターフェース。*usage.RedisQuota が満たす。
type Quota interface {
	Limit() int
	Reserve(ctx context.Context, subject string) (usage.Reservation, error)
	Release(ctx context.Context, r usage.Reservation) error
}

// LicenseChecker はライセンスキーが引き換え済みかを確認するインターフェース。
// *license.Service が満たす。
type LicenseChecker interface {
	IsRedeemed(ctx context.Context, key string) (bool, error)
}

// Request はクリーニング要求。
type Request struct {
	Prompt     string
	IsProUser  bool
	LicenseKey string
	ClientID   string // サーバー側の利用上限の集計単位（クライアントIP）
}

// TierConfig は利用プランごとのLLM呼び出し設定。
type TierConfig struct {
	Model        string
	MaxTokens    int
	SystemPrompt string
}

// Config はServiceの設定。
type Config struct {
	FreeModel string
	ProModel  string
	MaxChars  int
	// Debug が true の場合、APIErrorにLLM応答の抜粋を含める。
	Debug bool
}

// Service はプロンプトクリーニングのサービス層。
type Service struct {
	llm      Completer
	quota    Quota
	licenses LicenseChecker
	metrics  metrics.MetricsCollector
	tiers    map[model.Tier]TierConfig
	maxChars int
	debug    bool
}

// NewService はServiceの新しいインスタンスを生成する。
// quota が nil の場合、サーバー側の利用上限は適用せず isProUser をそのまま信頼する。
func NewService(completer Completer, quota Quota, licenses LicenseChecker, collector metrics.MetricsCollector, cfg Config) *Service {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if cfg.FreeModel == "" {
		cfg.FreeModel = "gpt-3.5-turbo"
	}
	if cfg.ProModel == "" {
		cfg.ProModel = "gpt-4"
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}

	return &Service{
		llm:      completer,
		quota:    quota,
		licenses: licenses,
		metrics:  collector,
		tiers: map[model.Tier]TierConfig{
			model.TierPro:  {Model: cfg.ProModel, MaxTokens: 1000, SystemPrompt: proSystemPrompt},
			model.TierFree: {Model: cfg.FreeModel, MaxTokens: 500, SystemPrompt: freeSystemPrompt},
		},
		maxChars: cfg.MaxChars,
		debug:    cfg.Debug,
	}
}

// Tier は利用プランの設定を返す。
func (s *Service) Tier(tier model.Tier) TierConfig {
	return s.tiers[tier]
}

// Clean はプロンプトをLLMでクリーニングする。自動リトライは行わない。
func (s *Service) Clean(ctx context.Context, req Request) (*model.CleanResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, model.NewInvalidPromptError()
	}
	if utf8.RuneCountInString(req.Prompt) > s.maxChars {
		return nil, model.NewPromptTooLongError(s.maxChars)
	}

	tier, err := s.resolveTier(ctx, req)
	if err != nil {
		return nil, err
	}
	cfg := s.tiers[tier]

	var reservation *usage.Reservation
	if s.quota != nil && tier == model.TierFree {
		if r, err := s.quota.Reserve(ctx, req.ClientID); err != nil {
			if errors.Is(err, usage.ErrDailyLimitReached) {
				s.metrics.RecordQuotaRefused()
				s.metrics.RecordClean(cfg.Model, metrics.OutcomeRefused)
				return nil, model.NewDailyLimitReachedError(s.quota.Limit())
			}
			// 利用上限の確認に失敗した場合もクリーニングは継続する
			slog.WarnContext(ctx, "quota check failed, allowing request", slog.String("error", err.Error()))
		} else {
			reservation = &r
		}
	}

	slog.InfoContext(ctx, "prompt clean requested",
		slog.Int("prompt_chars", utf8.RuneCountInString(req.Prompt)),
		slog.String("tier", string(tier)),
		slog.String("model", cfg.Model),
	)

	resp, err := s.llm.Complete(ctx, llm.ChatRequest{
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		UserPrompt:   userPromptPrefix + req.Prompt,
		MaxTokens:    cfg.MaxTokens,
		Temperature:  temperature,
	})
	if err != nil {
		if reservation != nil {
			if relErr := s.quota.Release(context.WithoutCancel(ctx), *reservation); relErr != nil {
				slog.WarnContext(ctx, "failed to release quota", slog.String("error", relErr.Error()))
			}
		}
		s.metrics.RecordClean(cfg.Model, metrics.OutcomeError)
		return nil, s.mapLLMError(err)
	}

	s.metrics.RecordClean(cfg.Model, metrics.OutcomeSuccess)
	slog.InfoContext(ctx, "prompt cleaned",
		slog.Int("output_chars", utf8.RuneCountInString(resp.Content)),
		slog.Int("tokens_used", resp.TotalTokens),
	)

	return &model.CleanResult{
		Output:     strings.TrimSpace(resp.Content),
		Model:      cfg.Model,
		TokensUsed: resp.TotalTokens,
	}, nil
}

// resolveTier は利用プランを決める。
// サーバー側の利用上限が有効な場合は isProUser を信頼せず、
// 引き換え済みのライセンスキーが提示された場合のみProとする。
func (s *Service) resolveTier(ctx context.Context, req Request) (model.Tier, error) {
	if s.quota == nil {
		if req.IsProUser {
			return model.TierPro, nil
		}
		return model.TierFree, nil
	}

	if req.LicenseKey == "" || s.licenses == nil {
		return model.TierFree, nil
	}
	ok, err := s.licenses.IsRedeemed(ctx, req.LicenseKey)
	if err != nil {
		return "", err
	}
	if ok {
		return model.TierPro, nil
	}
	return model.TierFree, nil
}

// mapLLMError はLLMエラーをAPIErrorに変換する。
func (s *Service) mapLLMError(err error) error {
	var llmErr *llm.Error
	if !errors.As(err, &llmErr) {
		slog.Error("unexpected LLM client error", slog.String("error", err.Error()))
		return model.NewUpstreamError()
	}

	var apiErr *model.APIError
	switch llmErr.Kind {
	case llm.KindRateLimited:
		apiErr = model.NewUpstreamRateLimitedError()
	case llm.KindQuotaExceeded, llm.KindUnavailable:
		apiErr = model.NewUpstreamUnavailableError()
	case llm.KindTimeout:
		apiErr = model.NewUpstreamTimeoutError()
	case llm.KindMalformed:
		apiErr = model.NewUpstreamMalformedError()
	case llm.KindConfiguration:
		apiErr = model.NewServerConfigurationError()
	default:
		apiErr = model.NewUpstreamError()
	}

	if s.debug {
		apiErr.Debug = llmErr.Error()
		if llmErr.Excerpt != "" {
			apiErr.Debug += ": " + llmErr.Excerpt
		}
	}
	return apiErr
}
