// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/promptcleaner/internal/model"
)

var (
	// ErrDuplicateKey は同じライセンスキーの行が既に存在する場合に返る。
	// 呼び出し元はキーを再生成して再試行する。
	ErrDuplicateKey = errors.New("license key already exists")

	// ErrDuplicateSale は同じ販売IDの行が既に存在する場合に返る。
	// Webhookの再送によるものとして扱う。
	ErrDuplicateSale = errors.New("sale already has a license key")
)

// LicenseRepository はライセンスキーの永続化インターフェース。
// 行は監査証跡として削除しない。
type LicenseRepository interface {
	// Create はライセンスキーを is_used = false で作成する。
	// キーの一意制約違反は ErrDuplicateKey、販売IDの一意制約違反は ErrDuplicateSale を返す。
	Create(ctx context.Context, license *model.LicenseKey) error

	// FindByKey はライセンスキーで検索する。見つからない場合はnilを返す。
	FindByKey(ctx context.Context, key string) (*model.LicenseKey, error)

	// FindBySaleID は販売IDで検索する。見つからない場合はnilを返す。
	FindBySaleID(ctx context.Context, saleID string) (*model.LicenseKey, error)

	// FindLatestByEmail はメールアドレスに紐づく最も新しく発行されたキーを返す。
	// 見つからない場合はnilを返す。
	FindLatestByEmail(ctx context.Context, email string) (*model.LicenseKey, error)

	// MarkUsed は未使用のキーを単一の条件付きUPDATEで使用済みにする。
	// 行が更新された場合のみtrueを返す。未発行または使用済みの場合はfalseを返す。
	MarkUsed(ctx context.Context, key string, activatedAt time.Time) (bool, error)
}

// HealthChecker はストレージの疎通確認インターフェース。
// *sql.DB がそのまま満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}
