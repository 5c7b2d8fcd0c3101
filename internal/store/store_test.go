package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxmeter/voxmeter/internal/metering"
)

// getTestDB returns a database pool for testing.
// Skips the test if DATABASE_URL is not set.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.Ping(ctx); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

func mustAmount(t *testing.T, s string) metering.Amount {
	t.Helper()
	a, err := metering.ParseAmount(s)
	if err != nil {
		t.Fatalf("parse amount %q: %v", s, err)
	}
	return a
}

func TestUserBalanceOperations(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	email := fmt.Sprintf("test-%s@example.com", uuid.NewString()[:8])
	user, err := s.CreateUser(ctx, email)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if user.Balance != 0 {
		t.Errorf("new user balance = %s, want 0", user.Balance)
	}

	if err := s.Credit(ctx, user.ID, mustAmount(t, "10")); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := s.ApplyCharge(ctx, user.ID, mustAmount(t, "2.6")); err != nil {
		t.Fatalf("ApplyCharge failed: %v", err)
	}

	balance, err := s.FetchBalance(ctx, user.ID)
	if err != nil {
		t.Fatalf("FetchBalance failed: %v", err)
	}
	if want := mustAmount(t, "7.4"); balance != want {
		t.Errorf("balance = %s, want %s", balance, want)
	}

	got, err := s.GetUserByEmail(ctx, email)
	if err != nil {
		t.Fatalf("GetUserByEmail failed: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("GetUserByEmail ID = %s, want %s", got.ID, user.ID)
	}
}

func TestFetchBalanceUnknownUser(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	if _, err := s.FetchBalance(context.Background(), uuid.New()); !errors.Is(err, metering.ErrUserNotFound) {
		t.Errorf("FetchBalance = %v, want ErrUserNotFound", err)
	}
}

func TestTopUpIdempotency(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, fmt.Sprintf("test-%s@example.com", uuid.NewString()[:8]))
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	ref := "cs_" + uuid.NewString()
	inserted, err := s.InsertTopUp(ctx, user.ID, mustAmount(t, "5"), "stripe", ref)
	if err != nil {
		t.Fatalf("InsertTopUp failed: %v", err)
	}
	if !inserted {
		t.Fatal("first InsertTopUp reported duplicate")
	}

	// Replayed webhook: same provider reference must not insert again.
	inserted, err = s.InsertTopUp(ctx, user.ID, mustAmount(t, "5"), "stripe", ref)
	if err != nil {
		t.Fatalf("replayed InsertTopUp failed: %v", err)
	}
	if inserted {
		t.Error("replayed InsertTopUp reported a fresh insert")
	}

	topUps, err := s.ListTopUps(ctx, user.ID, 10)
	if err != nil {
		t.Fatalf("ListTopUps failed: %v", err)
	}
	if len(topUps) != 1 {
		t.Errorf("ListTopUps returned %d rows, want 1", len(topUps))
	}
}

func TestUsageRecords(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, fmt.Sprintf("test-%s@example.com", uuid.NewString()[:8]))
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	rec := UsageRecord{
		SessionID: uuid.New(),
		UserID:    user.ID,
		Tariff:    "base",
		Units:     42_000,
		Fee:       mustAmount(t, "1.092"),
		Status:    "completed",
		StartedAt: started,
		EndedAt:   started.Add(42 * time.Second),
	}
	if err := s.InsertUsageRecord(ctx, rec); err != nil {
		t.Fatalf("InsertUsageRecord failed: %v", err)
	}

	records, err := s.ListUsage(ctx, user.ID, 10)
	if err != nil {
		t.Fatalf("ListUsage failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("ListUsage returned %d rows, want 1", len(records))
	}
	if records[0].Units != rec.Units || records[0].Fee != rec.Fee || records[0].Status != rec.Status {
		t.Errorf("record = %+v, want %+v", records[0], rec)
	}
}
