package contract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TestReplacementChain_Integration connects to a real PostgreSQL via
// DATABASE_URL and verifies the replacement chain end to end: create,
// non-tail delete rejection, and tail delete with predecessor restore.
func TestReplacementChain_Integration(t *testing.T) {
	pool := integrationPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := NewStore(pool)
	chains := NewChainManager(store)

	suffix := time.Now().UnixNano()
	phone := fmt.Sprintf("138%08d", suffix%100000000)
	params := func(n int) CreateParams {
		return CreateParams{
			ContractNumber: fmt.Sprintf("HC-ITEST-%d-%d", suffix, n),
			CustomerID:     "cust-itest",
			CustomerPhone:  phone,
			WorkerID:       fmt.Sprintf("wkr-itest-%d", n),
			ContractType:   "standard",
			StartDate:      time.Now(),
			EndDate:        time.Now().AddDate(1, 0, 0),
		}
	}

	origin, err := store.Create(ctx, params(0))
	if err != nil {
		t.Fatalf("create origin: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM contracts WHERE customer_phone = $1`, phone)
	})

	// Walk the origin to active/signed so it is replaceable. Two steps: the
	// schema trigger rejects the draft -> active shortcut.
	if _, err := pool.Exec(ctx, `
        UPDATE contracts SET contract_status='signing', esign_status='signing', version=version+1
        WHERE id=$1`, origin.ID); err != nil {
		t.Fatalf("move origin to signing: %v", err)
	}
	if _, err := pool.Exec(ctx, `
        UPDATE contracts SET contract_status='active', esign_status='signed', version=version+1
        WHERE id=$1`, origin.ID); err != nil {
		t.Fatalf("activate origin: %v", err)
	}

	first, err := chains.CreateReplacement(ctx, origin.ID, params(1))
	if err != nil {
		t.Fatalf("create first replacement: %v", err)
	}
	if first.ReplacesContractID == nil || *first.ReplacesContractID != origin.ID {
		t.Fatalf("successor does not link back to origin")
	}
	if first.ContractStatus != StatusActive {
		t.Fatalf("successor should inherit active status, got %s", first.ContractStatus)
	}
	if first.EsignStatus != EsignSigned {
		t.Fatalf("successor should inherit signed esign status, got %s", first.EsignStatus)
	}
	if first.InsuranceSyncStatus != SyncNone {
		t.Fatalf("successor should start with a fresh insurance sync state, got %s", first.InsuranceSyncStatus)
	}

	got, err := store.GetByID(ctx, origin.ID)
	if err != nil {
		t.Fatalf("reload origin: %v", err)
	}
	if got.ContractStatus != StatusReplaced {
		t.Fatalf("origin should be replaced, got %s", got.ContractStatus)
	}
	if got.StatusBeforeReplacement == nil || *got.StatusBeforeReplacement != StatusActive {
		t.Fatalf("origin should remember its active status, got %v", got.StatusBeforeReplacement)
	}

	// A second replacement of the same origin must be rejected.
	if _, err := chains.CreateReplacement(ctx, origin.ID, params(2)); !errors.Is(err, ErrAlreadyReplaced) {
		t.Fatalf("expected ErrAlreadyReplaced, got %v", err)
	}

	// Extend the chain so the origin is a non-tail node.
	second, err := chains.CreateReplacement(ctx, first.ID, params(3))
	if err != nil {
		t.Fatalf("create second replacement: %v", err)
	}

	// Deleting a non-tail contract is ambiguous and rejected.
	if err := chains.DeleteReplacement(ctx, first.ID); !errors.Is(err, ErrInvalidChainDelete) {
		t.Fatalf("expected ErrInvalidChainDelete for non-tail delete, got %v", err)
	}

	// Deleting the tail restores its predecessor.
	if err := chains.DeleteReplacement(ctx, second.ID); err != nil {
		t.Fatalf("delete tail: %v", err)
	}
	if _, err := store.GetByID(ctx, second.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted tail should be gone, got %v", err)
	}
	restored, err := store.GetByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("reload restored predecessor: %v", err)
	}
	if restored.ContractStatus != StatusActive {
		t.Fatalf("predecessor should be restored to active, got %s", restored.ContractStatus)
	}
	if restored.ReplacedByContractID != nil {
		t.Fatalf("restored predecessor should have no successor link")
	}

	// History walks tail to origin within the chain.
	history, err := chains.History(ctx, phone)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 contracts in history, got %d", len(history))
	}
	if history[0].ID != first.ID || history[1].ID != origin.ID {
		t.Fatalf("history should run tail to origin, got %s then %s", history[0].ContractNumber, history[1].ContractNumber)
	}
}

// TestTransitionCAS_Integration verifies the optimistic version guard on
// ApplyTransition against a live database.
func TestTransitionCAS_Integration(t *testing.T) {
	pool := integrationPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := NewStore(pool)
	c, err := store.Create(ctx, CreateParams{
		ContractNumber: fmt.Sprintf("HC-CAS-%d", time.Now().UnixNano()),
		CustomerID:     "cust-itest",
		CustomerPhone:  "13800001111",
		WorkerID:       "wkr-itest",
		ContractType:   "standard",
		StartDate:      time.Now(),
		EndDate:        time.Now().AddDate(1, 0, 0),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM contracts WHERE id = $1`, c.ID)
	})

	m := Mutation{
		ContractStatus:      StatusSigning,
		EsignStatus:         EsignSigning,
		InsuranceSyncStatus: SyncNone,
		LastEventAt:         time.Now(),
	}
	if err := store.WithTx(ctx, func(tx pgx.Tx) error {
		return store.ApplyTransition(ctx, tx, c.ID, m, c.Version)
	}); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	// Replaying against the captured (now stale) version must conflict.
	err = store.WithTx(ctx, func(tx pgx.Tx) error {
		return store.ApplyTransition(ctx, tx, c.ID, m, c.Version)
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// Direct SQL taking a backward hop must be rejected by the schema trigger.
	if _, err := pool.Exec(ctx, `UPDATE contracts SET contract_status='draft' WHERE id=$1`, c.ID); err == nil {
		t.Fatalf("expected trigger to reject signing -> draft")
	}
}

func integrationPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'contracts')`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply migrations/0001_schema.sql first")
	}
	return pool
}
