// Package metering guards user balances against overspend. Every session
// opens a hold (a provisional allocation of balance) before any billable work
// starts, accrues consumed units while work proceeds, and finally settles or
// releases the hold. The guard is the only writer of allocated fees; the
// balance itself is persisted through a BalanceStore.
package metering

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientBalance is returned by Admit when the user's free
	// balance does not cover the requested estimate.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrBalanceExhausted is returned by Accrue when the hold cannot grow to
	// cover further units without violating allocated_fee <= balance.
	ErrBalanceExhausted = errors.New("balance exhausted")

	// ErrHoldConsumed indicates a hold was settled or released twice.
	// This is a programming error, not an expected condition.
	ErrHoldConsumed = errors.New("hold already consumed")

	// ErrUserNotFound is returned when the balance store has no such user.
	ErrUserNotFound = errors.New("user not found")
)

// BalanceStore persists settled balances. The guard mirrors balances in
// memory and writes every settlement and credit through.
type BalanceStore interface {
	// FetchBalance returns the user's settled balance.
	FetchBalance(ctx context.Context, user uuid.UUID) (Amount, error)

	// ApplyCharge deducts a settled fee from the user's balance.
	ApplyCharge(ctx context.Context, user uuid.UUID, fee Amount) error

	// Credit adds topped-up funds to the user's balance.
	Credit(ctx context.Context, user uuid.UUID, amount Amount) error
}

// Hold is a provisional charge against one user's balance. It is consumed
// exactly once, by Settle or Release.
type Hold struct {
	ID   uuid.UUID
	User uuid.UUID

	rate     Amount // fee per billing unit
	reserved Amount // amount currently counted in allocated_fee
	step     Amount // reservation growth increment (initial estimate fee)
	units    uint64 // cumulative units accrued
	consumed bool
}

// Units returns the cumulative billing units accrued against the hold.
func (h *Hold) Units() uint64 { return h.units }

type account struct {
	mu        sync.Mutex
	balance   Amount
	allocated Amount
	loaded    bool
}

// Guard serializes all balance checks and allocations per user. No caller
// ever acts on a stale read: every admit, accrue, settle and release runs
// under the owning account's lock.
type Guard struct {
	store  BalanceStore
	logger *log.Logger

	mu       sync.Mutex
	accounts map[uuid.UUID]*account
}

// NewGuard creates a balance guard over the given store.
func NewGuard(store BalanceStore, logger *log.Logger) *Guard {
	return &Guard{
		store:    store,
		logger:   logger,
		accounts: make(map[uuid.UUID]*account),
	}
}

// account returns the serializing authority for one user, creating it on
// first touch. The account lock is NOT held on return.
func (g *Guard) account(user uuid.UUID) *account {
	g.mu.Lock()
	defer g.mu.Unlock()
	acc, ok := g.accounts[user]
	if !ok {
		acc = &account{}
		g.accounts[user] = acc
	}
	return acc
}

func (g *Guard) loadLocked(ctx context.Context, user uuid.UUID, acc *account) error {
	if acc.loaded {
		return nil
	}
	balance, err := g.store.FetchBalance(ctx, user)
	if err != nil {
		return err
	}
	acc.balance = balance
	acc.loaded = true
	return nil
}

// Admit opens a hold for an estimated number of billing units at the given
// per-unit rate. It atomically checks that the user's free balance covers
// the estimate and increments the allocated fee; on failure nothing changes.
func (g *Guard) Admit(ctx context.Context, user uuid.UUID, estimatedUnits uint64, feePerUnit Amount) (*Hold, error) {
	acc := g.account(user)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if err := g.loadLocked(ctx, user, acc); err != nil {
		return nil, fmt.Errorf("load balance for %s: %w", user, err)
	}

	estimate := feePerUnit.MulUnits(estimatedUnits)
	if acc.balance-acc.allocated < estimate {
		return nil, ErrInsufficientBalance
	}
	acc.allocated += estimate

	hold := &Hold{
		ID:       uuid.New(),
		User:     user,
		rate:     feePerUnit,
		reserved: estimate,
		step:     estimate,
		units:    0,
	}
	g.logger.Printf("metering: admitted hold %s for %s (estimate %s)", hold.ID, user, estimate)
	return hold, nil
}

// Accrue adds consumed units to the hold. The cumulative count only grows.
// When the accrued fee outgrows the hold's reserved amount, the reservation
// is extended in estimate-sized steps; if the free balance cannot cover the
// extension, Accrue keeps the units (they are billable) and reports
// ErrBalanceExhausted so the session stops taking new work.
func (g *Guard) Accrue(hold *Hold, units uint64) error {
	acc := g.account(hold.User)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if hold.consumed {
		return ErrHoldConsumed
	}

	hold.units += units
	cost := hold.rate.MulUnits(hold.units)
	for cost > hold.reserved {
		step := hold.step
		if step <= 0 {
			step = cost - hold.reserved
		}
		if acc.balance-acc.allocated < step {
			return ErrBalanceExhausted
		}
		acc.allocated += step
		hold.reserved += step
	}
	return nil
}

// Settle charges the accrued fee against the balance, removes the hold's
// reserved amount from the allocated fee and consumes the hold. The fee is
// written through to the store before the in-memory balance moves.
func (g *Guard) Settle(ctx context.Context, hold *Hold) (Amount, error) {
	acc := g.account(hold.User)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if hold.consumed {
		return 0, ErrHoldConsumed
	}

	fee := hold.rate.MulUnits(hold.units)
	if fee > hold.reserved {
		// Accrue extends reservations eagerly, so the fee can only exceed
		// the reservation after an exhaustion signal was ignored. Cap the
		// charge at what was held; balance never goes negative.
		fee = hold.reserved
	}

	if fee > 0 {
		if err := g.store.ApplyCharge(ctx, hold.User, fee); err != nil {
			return 0, fmt.Errorf("apply charge for %s: %w", hold.User, err)
		}
	}

	acc.balance -= fee
	acc.allocated -= hold.reserved
	hold.consumed = true
	g.logger.Printf("metering: settled hold %s (%d units, fee %s)", hold.ID, hold.units, fee)
	return fee, nil
}

// Release removes the hold's reserved amount from the allocated fee without
// charging anything, and consumes the hold. Used on abort paths where no
// work was billable.
func (g *Guard) Release(hold *Hold) error {
	acc := g.account(hold.User)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if hold.consumed {
		return ErrHoldConsumed
	}
	acc.allocated -= hold.reserved
	hold.consumed = true
	g.logger.Printf("metering: released hold %s", hold.ID)
	return nil
}

// Credit adds topped-up funds to the user's balance, store first. It is the
// only upward balance path; it never touches allocated fees.
func (g *Guard) Credit(ctx context.Context, user uuid.UUID, amount Amount) error {
	acc := g.account(user)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if err := g.store.Credit(ctx, user, amount); err != nil {
		return fmt.Errorf("credit %s: %w", user, err)
	}
	if acc.loaded {
		acc.balance += amount
	}
	return nil
}

// Balances returns the user's current settled balance and allocated fee.
func (g *Guard) Balances(ctx context.Context, user uuid.UUID) (balance, allocated Amount, err error) {
	acc := g.account(user)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if err := g.loadLocked(ctx, user, acc); err != nil {
		return 0, 0, err
	}
	return acc.balance, acc.allocated, nil
}
