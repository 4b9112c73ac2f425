package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/promptcleaner/internal/license"
	"github.com/hitoshi/promptcleaner/internal/middleware"
	"github.com/hitoshi/promptcleaner/internal/model"
)

// LicenseServiceInterface はライセンスハンドラーが必要とするサービスインターフェース。
type LicenseServiceInterface interface {
	// Issue は購入通知に対してライセンスキーを発行する。
	Issue(ctx context.Context, p model.Purchase) (*model.LicenseKey, error)
	// Redeem はライセンスキーを引き換える。
	Redeem(ctx context.Context, key string) (bool, error)
	// LookupByEmail はメールアドレスに紐づく最新のライセンスキーを返す。
	LookupByEmail(ctx context.Context, email string) (*model.LicenseKey, error)
	// SendKeyByEmail はライセンスキーを登録メールアドレス宛てに送信する。
	SendKeyByEmail(ctx context.Context, email string) error
}

// SignatureVerifier はWebhook署名の検証インターフェース。
type SignatureVerifier interface {
	Verify(body []byte, header string) error
}

// LicenseHandlerConfig はLicenseHandlerの設定。
type LicenseHandlerConfig struct {
	// EmailDelivery が true の場合、照会結果のキーをレスポンスに含めずメールで送信する。
	EmailDelivery bool
}

// LicenseHandler はライセンスキーのHTTPハンドラー。
type LicenseHandler struct {
	service  LicenseServiceInterface
	verifier SignatureVerifier
	config   LicenseHandlerConfig
}

// NewLicenseHandler はLicenseHandlerを生成する。
// verifier が nil の場合は署名を検証しない。
func NewLicenseHandler(service LicenseServiceInterface, verifier SignatureVerifier, config LicenseHandlerConfig) *LicenseHandler {
	return &LicenseHandler{
		service:  service,
		verifier: verifier,
		config:   config,
	}
}

// issueRequest は決済プラットフォームからの購入通知ボディ。
type issueRequest struct {
	Purchase struct {
		Email     string `json:"email"`
		ID        string `json:"id"`
		ProductID string `json:"product_id"`
	} `json:"purchase"`
}

type validateRequest struct {
	LicenseKey string `json:"licenseKey"`
}

type validateResponse struct {
	Valid bool `json:"valid"`
}

type lookupResponse struct {
	LicenseKey string `json:"licenseKey"`
}

type sentResponse struct {
	Sent bool `json:"sent"`
}

// Issue は購入通知を受け取りライセンスキーを発行する。
// POST /license/issue
//
// 署名はボディを解析する前に生のバイト列に対して検証する。
func (h *LicenseHandler) Issue(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	if h.verifier != nil {
		if err := h.verifier.Verify(body, r.Header.Get(license.SignatureHeader)); err != nil {
			handleServiceError(w, r, err)
			return
		}
	}

	var req issueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	_, err = h.service.Issue(r.Context(), model.Purchase{
		Email:     req.Purchase.Email,
		SaleID:    req.Purchase.ID,
		ProductID: req.Purchase.ProductID,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Validate はライセンスキーを検証して引き換える。
// POST /license/validate
//
// 不正なボディ、未発行のキー、引き換え済みのキーはいずれも400 {valid:false}を返す。
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.LicenseKey == "" {
		writeJSON(w, http.StatusBadRequest, validateResponse{Valid: false})
		return
	}

	ok, err := h.service.Redeem(r.Context(), req.LicenseKey)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusBadRequest, validateResponse{Valid: false})
		return
	}

	writeJSON(w, http.StatusOK, validateResponse{Valid: true})
}

// Lookup はメールアドレスからライセンスキーを照会する。
// GET /license/lookup?email=
func (h *LicenseHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")

	if h.config.EmailDelivery {
		if err := h.service.SendKeyByEmail(r.Context(), email); err != nil {
			handleServiceError(w, r, err)
			return
		}
		// 登録の有無によらず同じレスポンスを返す
		writeJSON(w, http.StatusAccepted, sentResponse{Sent: true})
		return
	}

	lic, err := h.service.LookupByEmail(r.Context(), email)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, lookupResponse{LicenseKey: lic.Key})
}
