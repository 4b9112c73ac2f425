// Package model はドメインモデルを定義する。
package model

import "time"

// LicenseKey は購入1件に対して発行されるライセンスキーを表す。
// Email と SaleID は発行後に変更しない。
// ActivatedDate は IsUsed が true の場合にのみ設定される。
type LicenseKey struct {
	ID            string
	Key           string
	Email         string
	SaleID        string
	IsUsed        bool
	ActivatedDate *time.Time
	CreatedAt     time.Time
}

// Purchase は決済プラットフォームのWebhookから受け取る購入通知を表す。
type Purchase struct {
	Email     string
	SaleID    string
	ProductID string
}

// Tier はプロンプトクリーニングの利用プランを表す。
type Tier string

const (
	// TierFree は1日あたりの利用回数に上限がある無料プラン。
	TierFree Tier = "free"
	// TierPro はライセンスキーを引き換え済みの有料プラン。
	TierPro Tier = "pro"
)

// CleanResult はプロンプトクリーニングの結果を表す。
type CleanResult struct {
	Output     string
	Model      string
	TokensUsed int
}
