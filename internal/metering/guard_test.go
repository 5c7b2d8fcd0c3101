package metering

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// memStore is an in-memory BalanceStore for tests.
type memStore struct {
	mu       sync.Mutex
	balances map[uuid.UUID]Amount
	charges  []Amount
}

func newMemStore() *memStore {
	return &memStore{balances: make(map[uuid.UUID]Amount)}
}

func (m *memStore) FetchBalance(_ context.Context, user uuid.UUID) (Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[user]
	if !ok {
		return 0, ErrUserNotFound
	}
	return b, nil
}

func (m *memStore) ApplyCharge(_ context.Context, user uuid.UUID, fee Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[user] -= fee
	m.charges = append(m.charges, fee)
	return nil
}

func (m *memStore) Credit(_ context.Context, user uuid.UUID, amount Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[user] += amount
	return nil
}

func testGuard(t *testing.T, user uuid.UUID, balance string) (*Guard, *memStore) {
	t.Helper()
	store := newMemStore()
	b, err := ParseAmount(balance)
	if err != nil {
		t.Fatalf("ParseAmount(%q): %v", balance, err)
	}
	store.balances[user] = b
	return NewGuard(store, log.New(io.Discard, "", 0)), store
}

func mustParse(t *testing.T, s string) Amount {
	t.Helper()
	a, err := ParseAmount(s)
	if err != nil {
		t.Fatalf("ParseAmount(%q): %v", s, err)
	}
	return a
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		micros  int64
		wantErr bool
	}{
		{"10", 10_000_000, false},
		{"2.6", 2_600_000, false},
		{"0.000026", 26, false},
		{"7.4", 7_400_000, false},
		{"-1.5", -1_500_000, false},
		{".5", 500_000, false},
		{"0.0000001", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAmount(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAmount(%q): %v", tt.in, err)
			}
			if got.Micros() != tt.micros {
				t.Errorf("ParseAmount(%q) = %d micros, want %d", tt.in, got.Micros(), tt.micros)
			}
		})
	}
}

func TestAmountString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"10", "10"},
		{"2.6", "2.6"},
		{"0.000026", "0.000026"},
		{"-1.5", "-1.5"},
	}
	for _, tt := range tests {
		if got := mustParse(t, tt.in).String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestAdmitInsufficientBalance(t *testing.T) {
	user := uuid.New()
	g, _ := testGuard(t, user, "1")

	rate := mustParse(t, "0.01")
	if _, err := g.Admit(context.Background(), user, 200, rate); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Admit = %v, want ErrInsufficientBalance", err)
	}

	// A failed admit must not mutate state.
	balance, allocated, err := g.Balances(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if balance != mustParse(t, "1") || allocated != 0 {
		t.Errorf("after failed admit: balance=%s allocated=%s, want 1 and 0", balance, allocated)
	}
}

func TestAdmitThenReleaseIsNoOp(t *testing.T) {
	user := uuid.New()
	g, _ := testGuard(t, user, "10")

	hold, err := g.Admit(context.Background(), user, 1000, mustParse(t, "0.001"))
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Release(hold); err != nil {
		t.Fatal(err)
	}

	balance, allocated, err := g.Balances(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if balance != mustParse(t, "10") || allocated != 0 {
		t.Errorf("balance=%s allocated=%s, want 10 and 0", balance, allocated)
	}
}

func TestAccrueSettleCharges(t *testing.T) {
	user := uuid.New()
	g, store := testGuard(t, user, "10")

	// Scenario from the billing tariff sheet: 100,000 units at 0.000026
	// settles for 2.6, leaving 7.4.
	rate := mustParse(t, "0.000026")
	hold, err := g.Admit(context.Background(), user, 100_000, rate)
	if err != nil {
		t.Fatal(err)
	}

	if err := g.Accrue(hold, 60_000); err != nil {
		t.Fatal(err)
	}
	if err := g.Accrue(hold, 40_000); err != nil {
		t.Fatal(err)
	}

	fee, err := g.Settle(context.Background(), hold)
	if err != nil {
		t.Fatal(err)
	}
	if want := mustParse(t, "2.6"); fee != want {
		t.Errorf("settle fee = %s, want %s", fee, want)
	}

	balance, allocated, err := g.Balances(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if want := mustParse(t, "7.4"); balance != want {
		t.Errorf("balance = %s, want %s", balance, want)
	}
	if allocated != 0 {
		t.Errorf("allocated = %s, want 0", allocated)
	}
	if len(store.charges) != 1 || store.charges[0] != mustParse(t, "2.6") {
		t.Errorf("store charges = %v, want one charge of 2.6", store.charges)
	}
}

func TestAccrueExtendsHold(t *testing.T) {
	user := uuid.New()
	g, _ := testGuard(t, user, "10")

	rate := mustParse(t, "0.001")
	hold, err := g.Admit(context.Background(), user, 1000, rate) // reserves 1
	if err != nil {
		t.Fatal(err)
	}

	// Accrue past the estimate; the hold grows instead of failing.
	if err := g.Accrue(hold, 2500); err != nil {
		t.Fatal(err)
	}

	_, allocated, err := g.Balances(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if want := mustParse(t, "3"); allocated != want {
		t.Errorf("allocated = %s, want %s", allocated, want)
	}

	fee, err := g.Settle(context.Background(), hold)
	if err != nil {
		t.Fatal(err)
	}
	if want := mustParse(t, "2.5"); fee != want {
		t.Errorf("fee = %s, want %s", fee, want)
	}
}

func TestAccrueExhaustion(t *testing.T) {
	user := uuid.New()
	g, _ := testGuard(t, user, "1")

	rate := mustParse(t, "0.001")
	hold, err := g.Admit(context.Background(), user, 1000, rate) // reserves entire balance
	if err != nil {
		t.Fatal(err)
	}

	if err := g.Accrue(hold, 1000); err != nil {
		t.Fatalf("accrual within estimate failed: %v", err)
	}
	if err := g.Accrue(hold, 1); !errors.Is(err, ErrBalanceExhausted) {
		t.Fatalf("Accrue past balance = %v, want ErrBalanceExhausted", err)
	}

	// Settlement still charges only the held amount and never drives the
	// balance negative.
	fee, err := g.Settle(context.Background(), hold)
	if err != nil {
		t.Fatal(err)
	}
	if want := mustParse(t, "1"); fee != want {
		t.Errorf("fee = %s, want %s", fee, want)
	}
	balance, allocated, err := g.Balances(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if balance != 0 || allocated != 0 {
		t.Errorf("balance=%s allocated=%s, want 0 and 0", balance, allocated)
	}
}

func TestHoldConsumedOnce(t *testing.T) {
	user := uuid.New()
	g, _ := testGuard(t, user, "10")

	hold, err := g.Admit(context.Background(), user, 100, mustParse(t, "0.01"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Settle(context.Background(), hold); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Settle(context.Background(), hold); !errors.Is(err, ErrHoldConsumed) {
		t.Errorf("second settle = %v, want ErrHoldConsumed", err)
	}
	if err := g.Release(hold); !errors.Is(err, ErrHoldConsumed) {
		t.Errorf("release after settle = %v, want ErrHoldConsumed", err)
	}
}

// failingChargeStore refuses charge writes, the way a store does when the
// database is unreachable at settlement time.
type failingChargeStore struct {
	*memStore
	chargeErr error
}

func (f *failingChargeStore) ApplyCharge(context.Context, uuid.UUID, Amount) error {
	return f.chargeErr
}

func TestSettleStoreFailureLeavesHoldReleasable(t *testing.T) {
	user := uuid.New()
	store := newMemStore()
	store.balances[user] = mustParse(t, "10")
	g := NewGuard(&failingChargeStore{memStore: store, chargeErr: errors.New("connection refused")},
		log.New(io.Discard, "", 0))

	hold, err := g.Admit(context.Background(), user, 1000, mustParse(t, "0.001"))
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Accrue(hold, 500); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Settle(context.Background(), hold); err == nil {
		t.Fatal("settle with a failing store succeeded, want error")
	}

	// The failed settle consumed nothing: the hold is still open and a
	// release reclaims the full allocation.
	if err := g.Release(hold); err != nil {
		t.Fatalf("release after failed settle: %v", err)
	}
	balance, allocated, err := g.Balances(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if allocated != 0 {
		t.Errorf("allocated = %s after release, want 0", allocated)
	}
	if want := mustParse(t, "10"); balance != want {
		t.Errorf("balance = %s, want %s (nothing charged)", balance, want)
	}
}

func TestConcurrentAdmitsNeverOversubscribe(t *testing.T) {
	user := uuid.New()
	g, _ := testGuard(t, user, "10")

	// 100 workers each try to hold 1 credit against a balance of 10.
	rate := mustParse(t, "1")
	var wg sync.WaitGroup
	var mu sync.Mutex
	var holds []*Hold

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hold, err := g.Admit(context.Background(), user, 1, rate)
			if err != nil {
				return
			}
			mu.Lock()
			holds = append(holds, hold)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(holds) != 10 {
		t.Fatalf("%d admits succeeded, want exactly 10", len(holds))
	}

	// allocated_fee must equal the sum of open holds.
	_, allocated, err := g.Balances(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if want := mustParse(t, "10"); allocated != want {
		t.Errorf("allocated = %s, want %s", allocated, want)
	}

	for _, h := range holds {
		if err := g.Release(h); err != nil {
			t.Fatal(err)
		}
	}
	_, allocated, err = g.Balances(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if allocated != 0 {
		t.Errorf("allocated after releases = %s, want 0", allocated)
	}
}

func TestCredit(t *testing.T) {
	user := uuid.New()
	g, store := testGuard(t, user, "1")

	// Touch the account so the in-memory mirror is loaded.
	if _, _, err := g.Balances(context.Background(), user); err != nil {
		t.Fatal(err)
	}

	if err := g.Credit(context.Background(), user, mustParse(t, "5")); err != nil {
		t.Fatal(err)
	}
	balance, _, err := g.Balances(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if want := mustParse(t, "6"); balance != want {
		t.Errorf("balance = %s, want %s", balance, want)
	}
	if store.balances[user] != mustParse(t, "6") {
		t.Errorf("store balance = %s, want 6", store.balances[user])
	}
}
