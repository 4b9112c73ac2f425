// Package usage は無料プランの1日あたりの利用回数制限を提供する。
//
// Gate はクライアント側で状態を保持する参考値としての制限であり、
// 利用者が状態ファイルを書き換えれば回避できる。
// サーバー側で強制する場合は RedisQuota を使う。
package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultDailyLimit は無料プランの1日あたりの利用回数のデフォルト値。
const DefaultDailyLimit = 3

// dayLayout は日付マーカーの形式。
const dayLayout = "2006-01-02"

// ErrDailyLimitReached は無料プランの1日の利用上限に達したことを表す。
var ErrDailyLimitReached = errors.New("daily free limit reached")

// State はクライアントに保存される利用状況。
type State struct {
	Count      int    `json:"count"`
	Day        string `json:"day"`
	Pro        bool   `json:"pro"`
	LicenseKey string `json:"license_key,omitempty"`
}

// Store は利用状況の永続化インターフェース。
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

// Gate は無料プランの利用回数を日単位で数える。
// 日付が変わると回数を0に戻す。Proの場合は制限しない。
type Gate struct {
	store Store
	limit int
	nowFn func() time.Time

	mu sync.Mutex
}

// NewGate はGateを生成する。limitが0以下の場合はデフォルト値を使う。
func NewGate(store Store, limit int) *Gate {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return &Gate{store: store, limit: limit, nowFn: time.Now}
}

// Limit は1日あたりの利用上限を返す。
func (g *Gate) Limit() int {
	return g.limit
}

// Check は今日の利用が許可されるかどうかを判定する。
// 日付が変わっていれば回数を0に戻して保存する。
// 上限に達している場合は ErrDailyLimitReached を返す。
func (g *Gate) Check(ctx context.Context) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.current(ctx)
	if err != nil {
		return State{}, err
	}
	if state.Pro {
		return state, nil
	}
	if state.Count >= g.limit {
		return state, ErrDailyLimitReached
	}
	return state, nil
}

// Record はクリーニング成功後に今日の利用回数を1増やす。Proの場合は何もしない。
func (g *Gate) Record(ctx context.Context) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.current(ctx)
	if err != nil {
		return State{}, err
	}
	if state.Pro {
		return state, nil
	}

	state.Count++
	if err := g.store.Save(ctx, state); err != nil {
		return State{}, fmt.Errorf("failed to save usage state: %w", err)
	}
	return state, nil
}

// MarkPro はライセンスキーの引き換え成功後にPro状態を保存する。
func (g *Gate) MarkPro(ctx context.Context, licenseKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.current(ctx)
	if err != nil {
		return err
	}
	state.Pro = true
	state.LicenseKey = licenseKey
	if err := g.store.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to save usage state: %w", err)
	}
	return nil
}

// Status は現在の利用状況を返す。
func (g *Gate) Status(ctx context.Context) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current(ctx)
}

// Remaining は今日の残り利用回数を返す。Proの場合は -1 を返す。
func (g *Gate) Remaining(state State) int {
	if state.Pro {
		return -1
	}
	if n := g.limit - state.Count; n > 0 {
		return n
	}
	return 0
}

// current は保存済みの状態を読み込み、日付が変わっていればロールオーバーする。
func (g *Gate) current(ctx context.Context) (State, error) {
	state, err := g.store.Load(ctx)
	if err != nil {
		return State{}, fmt.Errorf("failed to load usage state: %w", err)
	}

	today := g.nowFn().Format(dayLayout)
	if state.Day != today {
		state.Day = today
		state.Count = 0
		if err := g.store.Save(ctx, state); err != nil {
			return State{}, fmt.Errorf("failed to save usage state: %w", err)
		}
	}
	return state, nil
}
