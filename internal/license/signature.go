package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/hitoshi/promptcleaner/internal/model"
)

// SignatureHeader は購入Webhookの署名を運ぶHTTPヘッダー名。
const SignatureHeader = "X-Webhook-Signature"

const signaturePrefix = "sha256="

// Verifier は購入WebhookのHMAC-SHA256署名を検証する。
type Verifier struct {
	secret []byte
}

// NewVerifier は共有シークレットからVerifierを生成する。
// シークレットが空の場合、検証は無効になる。
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Enabled は署名検証が有効かどうかを返す。
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Sign は生のリクエストボディに対する署名ヘッダー値を返す。
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify は署名ヘッダー値が生のリクエストボディと一致するか検証する。
// 検証が無効の場合は常にnilを返す。比較は定数時間で行う。
func (v *Verifier) Verify(body []byte, header string) error {
	if !v.Enabled() {
		return nil
	}

	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, signaturePrefix) {
		return model.NewInvalidSignatureError()
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return model.NewInvalidSignatureError()
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return model.NewInvalidSignatureError()
	}
	return nil
}
