package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/promptcleaner/internal/model"
)

const (
	// pqUniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
	pqUniqueViolation = "23505"

	constraintLicenseKey = "license_keys_license_key_key"
	constraintSaleID     = "license_keys_sale_id_key"
)

const licenseColumns = `id, license_key, email, sale_id, is_used, activated_date, created_at`

// PostgresLicenseRepo はPostgreSQLを使用したライセンスキーリポジトリ。
type PostgresLicenseRepo struct {
	db *sql.DB
}

// NewPostgresLicenseRepo はPostgresLicenseRepoを生成する。
func NewPostgresLicenseRepo(db *sql.DB) *PostgresLicenseRepo {
	return &PostgresLicenseRepo{db: db}
}

// Create はライセンスキーを作成する。
func (r *PostgresLicenseRepo) Create(ctx context.Context, license *model.LicenseKey) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO license_keys (id, license_key, email, sale_id, is_used, created_at)
		 VALUES ($1, $2, $3, $4, false, $5)`,
		license.ID, license.Key, license.Email, license.SaleID, license.CreatedAt,
	)
	if err != nil {
		return classifyInsertError(err)
	}
	return nil
}

// FindByKey はライセンスキーで検索する。見つからない場合はnilを返す。
func (r *PostgresLicenseRepo) FindByKey(ctx context.Context, key string) (*model.LicenseKey, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM license_keys WHERE license_key = $1`,
		key,
	)
	return scanLicense(row, "failed to find license by key")
}

// FindBySaleID は販売IDで検索する。見つからない場合はnilを返す。
func (r *PostgresLicenseRepo) FindBySaleID(ctx context.Context, saleID string) (*model.LicenseKey, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM license_keys WHERE sale_id = $1`,
		saleID,
	)
	return scanLicense(row, "failed to find license by sale id")
}

// FindLatestByEmail はメールアドレスに紐づく最新のキーを返す。見つからない場合はnilを返す。
func (r *PostgresLicenseRepo) FindLatestByEmail(ctx context.Context, email string) (*model.LicenseKey, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+`
		 FROM license_keys
		 WHERE email = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		email,
	)
	return scanLicense(row, "failed to find license by email")
}

// MarkUsed は未使用のキーを使用済みにする。
// 読み取りと更新を分けず、is_used = false を条件に含む1文のUPDATEで行うため、
// 同一キーへの同時リクエストのうち更新に成功するのは1つだけになる。
func (r *PostgresLicenseRepo) MarkUsed(ctx context.Context, key string, activatedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE license_keys
		 SET is_used = true, activated_date = $2
		 WHERE license_key = $1 AND is_used = false`,
		key, activatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark license as used: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// rowScanner は *sql.Row と *sql.Rows の共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner, errMsg string) (*model.LicenseKey, error) {
	license := &model.LicenseKey{}
	var activated sql.NullTime

	err := row.Scan(
		&license.ID, &license.Key, &license.Email, &license.SaleID,
		&license.IsUsed, &activated, &license.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMsg, err)
	}

	if activated.Valid {
		t := activated.Time
		license.ActivatedDate = &t
	}

	return license, nil
}

// classifyInsertError は一意制約違反を制約名に応じたセンチネルエラーに変換する。
func classifyInsertError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
		switch pqErr.Constraint {
		case constraintLicenseKey:
			return ErrDuplicateKey
		case constraintSaleID:
			return ErrDuplicateSale
		}
	}
	return fmt.Errorf("failed to insert license: %w", err)
}

// compile-time interface check
var _ LicenseRepository = (*PostgresLicenseRepo)(nil)
