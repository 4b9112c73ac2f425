package usage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// memoryStore はテスト用のインメモリStore。
type memoryStore struct {
	mu      sync.Mutex
	state   State
	saves   int
	loadErr error
}

func (s *memoryStore) Load(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return State{}, s.loadErr
	}
	return s.state, nil
}

func (s *memoryStore) Save(ctx context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.saves++
	return nil
}

func newTestGate(store Store, now time.Time) *Gate {
	g := NewGate(store, 3)
	g.nowFn = func() time.Time { return now }
	return g
}

// TestGate_ThreeAllowedFourthRefused は無料プランで3回まで許可し4回目を拒否することを検証する。
func TestGate_ThreeAllowedFourthRefused(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(&memoryStore{}, time.Date(2026, 5, 10, 9, 0, 0, 0, time.Local))

	for i := 1; i <= 3; i++ {
		if _, err := g.Check(ctx); err != nil {
			t.Fatalf("call %d: Check returned error: %v", i, err)
		}
		state, err := g.Record(ctx)
		if err != nil {
			t.Fatalf("call %d: Record returned error: %v", i, err)
		}
		if state.Count != i {
			t.Errorf("call %d: Count = %d", i, state.Count)
		}
	}

	state, err := g.Check(ctx)
	if !errors.Is(err, ErrDailyLimitReached) {
		t.Fatalf("4th Check: err = %v, want ErrDailyLimitReached", err)
	}
	if g.Remaining(state) != 0 {
		t.Errorf("Remaining = %d, want 0", g.Remaining(state))
	}
}

func TestGate_ResetsAfterDayRollover(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{}
	day1 := time.Date(2026, 5, 10, 23, 59, 0, 0, time.Local)
	g := newTestGate(store, day1)

	for i := 0; i < 3; i++ {
		g.Record(ctx)
	}
	if _, err := g.Check(ctx); !errors.Is(err, ErrDailyLimitReached) {
		t.Fatalf("expected limit on day 1, got %v", err)
	}

	g.nowFn = func() time.Time { return day1.Add(2 * time.Minute) }
	state, err := g.Check(ctx)
	if err != nil {
		t.Fatalf("Check after rollover returned error: %v", err)
	}
	if state.Count != 0 || state.Day != "2026-05-11" {
		t.Errorf("state after rollover = %+v", state)
	}
	if store.state.Day != "2026-05-11" {
		t.Errorf("new day marker should be persisted, got %q", store.state.Day)
	}
}

func TestGate_ProBypassesLimit(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{}
	g := newTestGate(store, time.Date(2026, 5, 10, 9, 0, 0, 0, time.Local))

	for i := 0; i < 3; i++ {
		g.Record(ctx)
	}
	if err := g.MarkPro(ctx, "PC-0123456789abcdef0123456789abcdef"); err != nil {
		t.Fatalf("MarkPro returned error: %v", err)
	}

	for i := 0; i < 10; i++ {
		state, err := g.Check(ctx)
		if err != nil {
			t.Fatalf("pro Check returned error: %v", err)
		}
		if g.Remaining(state) != -1 {
			t.Errorf("Remaining for pro = %d, want -1", g.Remaining(state))
		}
		if _, err := g.Record(ctx); err != nil {
			t.Fatalf("pro Record returned error: %v", err)
		}
	}
	if store.state.Count != 3 {
		t.Errorf("pro usage should not be counted, Count = %d", store.state.Count)
	}
	if store.state.LicenseKey != "PC-0123456789abcdef0123456789abcdef" {
		t.Errorf("LicenseKey = %q", store.state.LicenseKey)
	}
}

func TestGate_LoadError(t *testing.T) {
	g := NewGate(&memoryStore{loadErr: errors.New("disk gone")}, 3)
	if _, err := g.Check(context.Background()); err == nil {
		t.Fatal("expected error when store cannot be loaded")
	}
}

func TestNewGate_DefaultLimit(t *testing.T) {
	if g := NewGate(&memoryStore{}, 0); g.Limit() != DefaultDailyLimit {
		t.Errorf("Limit() = %d, want %d", g.Limit(), DefaultDailyLimit)
	}
}

// TestGate_PersistsAcrossInstances はFileStore経由で状態が再起動後も引き継がれることを検証する。
func TestGate_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.Local)

	g1 := newTestGate(NewFileStore(path), now)
	g1.Record(ctx)
	g1.Record(ctx)

	g2 := newTestGate(NewFileStore(path), now)
	state, err := g2.Check(ctx)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if state.Count != 2 {
		t.Errorf("Count = %d, want 2", state.Count)
	}
	if g2.Remaining(state) != 1 {
		t.Errorf("Remaining = %d, want 1", g2.Remaining(state))
	}
}
