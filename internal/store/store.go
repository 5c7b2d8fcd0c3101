// Package store is the Postgres persistence layer: user accounts with their
// settled balances, per-session usage records and top-up history. Balances
// are stored in micro-credits (see metering.Amount) as BIGINT.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxmeter/voxmeter/internal/metering"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// User represents an account that holds a balance and runs sessions.
type User struct {
	ID        uuid.UUID       `json:"id"`
	Email     string          `json:"email"`
	Balance   metering.Amount `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// UsageRecord is the settled outcome of one transcription session.
type UsageRecord struct {
	SessionID uuid.UUID       `json:"session_id"`
	UserID    uuid.UUID       `json:"user_id"`
	Tariff    string          `json:"tariff"`
	Units     uint64          `json:"units"`
	Fee       metering.Amount `json:"fee"`
	Status    string          `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
}

// TopUp is one credited payment.
type TopUp struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	Amount      metering.Amount `json:"amount"`
	Provider    string          `json:"provider"`
	ProviderRef string          `json:"provider_ref"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx, `
		SELECT id, email, balance, created_at, updated_at
		FROM users WHERE id=$1
	`, id).Scan(&u.ID, &u.Email, &u.Balance, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, metering.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx, `
		SELECT id, email, balance, created_at, updated_at
		FROM users WHERE email=$1
	`, email).Scan(&u.ID, &u.Email, &u.Balance, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, metering.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx, `
		INSERT INTO users (id, email, balance)
		VALUES (gen_random_uuid(), $1, 0)
		RETURNING id, email, balance, created_at, updated_at
	`, email).Scan(&u.ID, &u.Email, &u.Balance, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// FetchBalance returns the user's settled balance. Part of the
// metering.BalanceStore contract.
func (s *Store) FetchBalance(ctx context.Context, user uuid.UUID) (metering.Amount, error) {
	var balance metering.Amount
	err := s.db.QueryRow(ctx, `
		SELECT balance FROM users WHERE id=$1
	`, user).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, metering.ErrUserNotFound
	}
	return balance, err
}

// ApplyCharge deducts a settled session fee from the user's balance.
func (s *Store) ApplyCharge(ctx context.Context, user uuid.UUID, fee metering.Amount) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE users SET balance = balance - $1, updated_at = now()
		WHERE id=$2
	`, fee, user)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return metering.ErrUserNotFound
	}
	return nil
}

// Credit adds topped-up funds to the user's balance.
func (s *Store) Credit(ctx context.Context, user uuid.UUID, amount metering.Amount) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE users SET balance = balance + $1, updated_at = now()
		WHERE id=$2
	`, amount, user)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return metering.ErrUserNotFound
	}
	return nil
}

// InsertUsageRecord records a session's settled usage.
func (s *Store) InsertUsageRecord(ctx context.Context, rec UsageRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO usage_records (session_id, user_id, tariff, units, fee, status, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.SessionID, rec.UserID, rec.Tariff, rec.Units, rec.Fee, rec.Status, rec.StartedAt, rec.EndedAt)
	return err
}

// ListUsage returns the user's most recent usage records.
func (s *Store) ListUsage(ctx context.Context, user uuid.UUID, limit int) ([]UsageRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT session_id, user_id, tariff, units, fee, status, started_at, ended_at
		FROM usage_records
		WHERE user_id=$1
		ORDER BY ended_at DESC
		LIMIT $2
	`, user, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var rec UsageRecord
		if err := rows.Scan(&rec.SessionID, &rec.UserID, &rec.Tariff, &rec.Units,
			&rec.Fee, &rec.Status, &rec.StartedAt, &rec.EndedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertTopUp records a credited payment. The (provider, provider_ref) pair
// is unique, so a replayed payment webhook inserts nothing and the caller
// must not credit the balance again.
func (s *Store) InsertTopUp(ctx context.Context, user uuid.UUID, amount metering.Amount, provider, providerRef string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO top_ups (id, user_id, amount, provider, provider_ref)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		ON CONFLICT (provider, provider_ref) DO NOTHING
	`, user, amount, provider, providerRef)
	if err != nil {
		return false, fmt.Errorf("insert top up: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListTopUps returns the user's most recent top-ups.
func (s *Store) ListTopUps(ctx context.Context, user uuid.UUID, limit int) ([]TopUp, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, amount, provider, provider_ref, created_at
		FROM top_ups
		WHERE user_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, user, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TopUp
	for rows.Next() {
		var tu TopUp
		if err := rows.Scan(&tu.ID, &tu.UserID, &tu.Amount, &tu.Provider, &tu.ProviderRef, &tu.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tu)
	}
	return out, rows.Err()
}
