package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/promptcleaner/internal/middleware"
	"github.com/hitoshi/promptcleaner/internal/model"
	"github.com/hitoshi/promptcleaner/internal/prompt"
)

// PromptServiceInterface はプロンプトハンドラーが必要とするサービスインターフェース。
type PromptServiceInterface interface {
	Clean(ctx context.Context, req prompt.Request) (*model.CleanResult, error)
}

// PromptHandler はプロンプトクリーニングのHTTPハンドラー。
type PromptHandler struct {
	service           PromptServiceInterface
	trustForwardedFor bool
}

// NewPromptHandler はPromptHandlerを生成する。
func NewPromptHandler(service PromptServiceInterface, trustForwardedFor bool) *PromptHandler {
	return &PromptHandler{service: service, trustForwardedFor: trustForwardedFor}
}

type cleanRequest struct {
	Prompt     string `json:"prompt"`
	IsProUser  bool   `json:"isProUser"`
	LicenseKey string `json:"licenseKey"`
}

type cleanResponse struct {
	Output     string `json:"output"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokensUsed"`
}

// Clean はプロンプトをクリーニングする。
// POST /prompt/clean
func (h *PromptHandler) Clean(w http.ResponseWriter, r *http.Request) {
	var req cleanRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Clean(r.Context(), prompt.Request{
		Prompt:     req.Prompt,
		IsProUser:  req.IsProUser,
		LicenseKey: req.LicenseKey,
		ClientID:   middleware.ClientIP(r, h.trustForwardedFor),
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, cleanResponse{
		Output:     result.Output,
		Model:      result.Model,
		TokensUsed: result.TokensUsed,
	})
}
