package repository

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/promptcleaner/internal/model"
)

// MemoryLicenseRepo はLicenseRepositoryのインメモリ実装。
// PostgreSQLの一意制約と条件付きUPDATEと同じ振る舞いをmutexで再現する。
// テストとローカル検証で使用する。
type MemoryLicenseRepo struct {
	mu     sync.Mutex
	byKey  map[string]*model.LicenseKey
	bySale map[string]string
	order  []string
}

// NewMemoryLicenseRepo は空のMemoryLicenseRepoを生成する。
func NewMemoryLicenseRepo() *MemoryLicenseRepo {
	return &MemoryLicenseRepo{
		byKey:  make(map[string]*model.LicenseKey),
		bySale: make(map[string]string),
	}
}

// Create はライセンスキーを is_used = false で保存する。
func (r *MemoryLicenseRepo) Create(ctx context.Context, license *model.LicenseKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byKey[license.Key]; ok {
		return ErrDuplicateKey
	}
	if _, ok := r.bySale[license.SaleID]; ok {
		return ErrDuplicateSale
	}

	stored := *license
	stored.IsUsed = false
	stored.ActivatedDate = nil
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	r.byKey[stored.Key] = &stored
	r.bySale[stored.SaleID] = stored.Key
	r.order = append(r.order, stored.Key)
	return nil
}

// FindByKey はライセンスキーで検索する。
func (r *MemoryLicenseRepo) FindByKey(ctx context.Context, key string) (*model.LicenseKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyOf(key), nil
}

// FindBySaleID は販売IDで検索する。
func (r *MemoryLicenseRepo) FindBySaleID(ctx context.Context, saleID string) (*model.LicenseKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.bySale[saleID]
	if !ok {
		return nil, nil
	}
	return r.copyOf(key), nil
}

// FindLatestByEmail はメールアドレスに紐づく最も新しく発行されたキーを返す。
// created_at が同じ場合は後から保存した行を優先する。
func (r *MemoryLicenseRepo) FindLatestByEmail(ctx context.Context, email string) (*model.LicenseKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *model.LicenseKey
	for _, key := range r.order {
		lic := r.byKey[key]
		if lic.Email != email {
			continue
		}
		if latest == nil || !lic.CreatedAt.Before(latest.CreatedAt) {
			latest = lic
		}
	}
	if latest == nil {
		return nil, nil
	}
	return r.copyOf(latest.Key), nil
}

// MarkUsed は未使用のキーのみを使用済みにする。
func (r *MemoryLicenseRepo) MarkUsed(ctx context.Context, key string, activatedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lic, ok := r.byKey[key]
	if !ok || lic.IsUsed {
		return false, nil
	}
	lic.IsUsed = true
	at := activatedAt
	lic.ActivatedDate = &at
	return true, nil
}

// Len は保存されている行数を返す。
func (r *MemoryLicenseRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}

func (r *MemoryLicenseRepo) copyOf(key string) *model.LicenseKey {
	lic, ok := r.byKey[key]
	if !ok {
		return nil
	}
	c := *lic
	if lic.ActivatedDate != nil {
		at := *lic.ActivatedDate
		c.ActivatedDate = &at
	}
	return &c
}

var _ LicenseRepository = (*MemoryLicenseRepo)(nil)
