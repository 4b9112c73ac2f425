package license

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/promptcleaner/internal/metrics"
	"github.com/hitoshi/promptcleaner/internal/model"
	"github.com/hitoshi/promptcleaner/internal/notify"
	"github.com/hitoshi/promptcleaner/internal/repository"
)

const (
	// maxKeyAttempts はキー衝突時にキーを再生成する上限回数。
	maxKeyAttempts = 5
	// notifyTimeout は購入者通知1件あたりの送信タイムアウト。
	notifyTimeout = 30 * time.Second
)

// Service はライセンスキーのサービス層。
// 発行、引き換え、メールアドレスによる照会のビジネスロジックを提供する。
type Service struct {
	repo      repository.LicenseRepository
	mailer    notify.Mailer
	metrics   metrics.MetricsCollector
	productID string

	nowFn    func() time.Time
	keyGenFn func() (string, error)

	wg sync.WaitGroup
}

// NewService はServiceの新しいインスタンスを生成する。
// mailer が nil の場合は購入者通知を行わない。
// productID が空でない場合、他の商品の購入通知は拒否する。
func NewService(
	repo repository.LicenseRepository,
	mailer notify.Mailer,
	collector metrics.MetricsCollector,
	productID string,
) *Service {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Service{
		repo:      repo,
		mailer:    mailer,
		metrics:   collector,
		productID: productID,
		nowFn:     time.Now,
		keyGenFn:  GenerateKey,
	}
}

// Issue は購入通知に対してライセンスキーを発行する。
// 同じ販売IDの通知が再送された場合は新しい行を作らず既存のキーを返す。
// 新規発行時のみ購入者にメールで通知する。通知の失敗は発行を失敗させない。
func (s *Service) Issue(ctx context.Context, p model.Purchase) (*model.LicenseKey, error) {
	email := normalizeEmail(p.Email)
	saleID := strings.TrimSpace(p.SaleID)

	if email == "" {
		s.metrics.RecordLicenseIssued(metrics.OutcomeInvalid)
		return nil, model.NewInvalidPurchaseError("メールアドレスがありません")
	}
	if saleID == "" {
		s.metrics.RecordLicenseIssued(metrics.OutcomeInvalid)
		return nil, model.NewInvalidPurchaseError("販売IDがありません")
	}
	if s.productID != "" && strings.TrimSpace(p.ProductID) != s.productID {
		s.metrics.RecordLicenseIssued(metrics.OutcomeRefused)
		slog.WarnContext(ctx, "purchase for unknown product rejected",
			slog.String("sale_id", saleID),
			slog.String("product_id", p.ProductID),
		)
		return nil, model.NewUnknownProductError()
	}

	for attempt := 1; attempt <= maxKeyAttempts; attempt++ {
		key, err := s.keyGenFn()
		if err != nil {
			s.metrics.RecordLicenseIssued(metrics.OutcomeError)
			slog.ErrorContext(ctx, "license key generation failed", slog.String("error", err.Error()))
			return nil, model.NewStorageError()
		}

		lic := &model.LicenseKey{
			ID:        uuid.New().String(),
			Key:       key,
			Email:     email,
			SaleID:    saleID,
			CreatedAt: s.nowFn().UTC(),
		}

		err = s.repo.Create(ctx, lic)
		switch {
		case err == nil:
			s.metrics.RecordLicenseIssued(metrics.OutcomeSuccess)
			slog.InfoContext(ctx, "license issued",
				slog.String("license_id", lic.ID),
				slog.String("sale_id", saleID),
				slog.Int("attempt", attempt),
			)
			s.notifyPurchaser(ctx, notify.LicenseIssued(lic.Email, lic.Key))
			return lic, nil

		case errors.Is(err, repository.ErrDuplicateKey):
			slog.WarnContext(ctx, "license key collision, regenerating",
				slog.String("sale_id", saleID),
				slog.Int("attempt", attempt),
			)
			continue

		case errors.Is(err, repository.ErrDuplicateSale):
			existing, findErr := s.repo.FindBySaleID(ctx, saleID)
			if findErr != nil || existing == nil {
				s.metrics.RecordLicenseIssued(metrics.OutcomeError)
				slog.ErrorContext(ctx, "failed to load license for redelivered sale",
					slog.String("sale_id", saleID),
					slog.Any("error", findErr),
				)
				return nil, model.NewStorageError()
			}
			s.metrics.RecordLicenseIssued(metrics.OutcomeDuplicate)
			slog.InfoContext(ctx, "purchase redelivered, returning existing license",
				slog.String("license_id", existing.ID),
				slog.String("sale_id", saleID),
			)
			return existing, nil

		default:
			s.metrics.RecordLicenseIssued(metrics.OutcomeError)
			slog.ErrorContext(ctx, "failed to store license",
				slog.String("sale_id", saleID),
				slog.String("error", err.Error()),
			)
			return nil, model.NewStorageError()
		}
	}

	s.metrics.RecordLicenseIssued(metrics.OutcomeError)
	slog.ErrorContext(ctx, "license key collisions exhausted",
		slog.String("sale_id", saleID),
		slog.Int("attempts", maxKeyAttempts),
	)
	return nil, model.NewKeyCollisionError()
}

// Redeem はライセンスキーを引き換える。
// 未使用のキーを使用済みにできた場合のみtrueを返す。
// 未発行のキーと引き換え済みのキーは区別せずfalseを返す。
func (s *Service) Redeem(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if !ValidKeyFormat(key) {
		s.metrics.RecordRedemption(metrics.OutcomeInvalid)
		return false, nil
	}

	ok, err := s.repo.MarkUsed(ctx, key, s.nowFn().UTC())
	if err != nil {
		s.metrics.RecordRedemption(metrics.OutcomeError)
		slog.ErrorContext(ctx, "failed to redeem license", slog.String("error", err.Error()))
		return false, model.NewStorageError()
	}
	if !ok {
		s.metrics.RecordRedemption(metrics.OutcomeInvalid)
		return false, nil
	}

	s.metrics.RecordRedemption(metrics.OutcomeSuccess)
	slog.InfoContext(ctx, "license redeemed")
	return true, nil
}

// IsRedeemed はキーが発行済みかつ引き換え済みかどうかを返す。
// サーバー側の利用上限でPro扱いするかどうかの判定に使う。
func (s *Service) IsRedeemed(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if !ValidKeyFormat(key) {
		return false, nil
	}

	lic, err := s.repo.FindByKey(ctx, key)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load license", slog.String("error", err.Error()))
		return false, model.NewStorageError()
	}
	return lic != nil && lic.IsUsed, nil
}

// LookupByEmail はメールアドレスに紐づく最も新しいライセンスキーを返す。
func (s *Service) LookupByEmail(ctx context.Context, email string) (*model.LicenseKey, error) {
	email = normalizeEmail(email)
	if email == "" {
		s.metrics.RecordLookup(metrics.OutcomeInvalid)
		return nil, model.NewEmailRequiredError()
	}

	lic, err := s.repo.FindLatestByEmail(ctx, email)
	if err != nil {
		s.metrics.RecordLookup(metrics.OutcomeError)
		slog.ErrorContext(ctx, "failed to look up license", slog.String("error", err.Error()))
		return nil, model.NewStorageError()
	}
	if lic == nil {
		s.metrics.RecordLookup(metrics.OutcomeNotFound)
		return nil, model.NewLicenseNotFoundError()
	}

	s.metrics.RecordLookup(metrics.OutcomeSuccess)
	return lic, nil
}

// SendKeyByEmail はライセンスキーをレスポンスで返さず、登録メールアドレス宛てに送信する。
// 登録の有無を呼び出し元に明かさないため、未登録のメールアドレスでもエラーにしない。
func (s *Service) SendKeyByEmail(ctx context.Context, email string) error {
	lic, err := s.LookupByEmail(ctx, email)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeLicenseNotFound {
			return nil
		}
		return err
	}

	s.notifyPurchaser(ctx, notify.LicenseLookup(lic.Email, lic.Key))
	return nil
}

// Wait は送信中の購入者通知がすべて完了するまで待機する。
// シャットダウン時に呼び出す。
func (s *Service) Wait() {
	s.wg.Wait()
}

// notifyPurchaser はリクエストの完了を待たずにメールを送信する。
// リクエストのキャンセルは引き継がず、独自のタイムアウトで送信する。
func (s *Service) notifyPurchaser(ctx context.Context, msg notify.Message) {
	if s.mailer == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()

		if err := s.mailer.Send(sendCtx, msg); err != nil {
			slog.WarnContext(sendCtx, "purchaser notification failed",
				slog.String("to", msg.To),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
