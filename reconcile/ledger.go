package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateEvent signals the (sourceSystem, externalEventKey) pair was
// already processed. Re-delivery is an idempotent no-op.
var ErrDuplicateEvent = errors.New("reconcile: duplicate event")

// Ledger covers the bookkeeping writes that commit alongside a transition:
// the dedup row, outbox effects, and the manual-resync audit trail.
type Ledger interface {
	InsertProcessedEvent(ctx context.Context, tx pgx.Tx, sourceSystem, externalEventKey string) error
	WasProcessed(ctx context.Context, sourceSystem, externalEventKey string) (bool, error)
	EnqueueEffect(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	InsertAudit(ctx context.Context, tx pgx.Tx, contractID, operatorID, action string, detail map[string]any) error
}

// PGLedger implements Ledger backed by PostgreSQL.
type PGLedger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

// InsertProcessedEvent reserves the dedup key inside the active transaction.
// The row only becomes visible once the transition commits with it.
func (l *PGLedger) InsertProcessedEvent(ctx context.Context, tx pgx.Tx, sourceSystem, externalEventKey string) error {
	if sourceSystem == "" || externalEventKey == "" {
		return fmt.Errorf("reconcile: empty event key")
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO processed_events (source_system, external_event_key) VALUES ($1, $2)`,
		sourceSystem, externalEventKey)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("reconcile: insert processed event: %w", err)
	}
	return nil
}

// WasProcessed is the gateway's fast-path duplicate check. It may race with
// an in-flight transaction; InsertProcessedEvent remains the authority.
func (l *PGLedger) WasProcessed(ctx context.Context, sourceSystem, externalEventKey string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE source_system = $1 AND external_event_key = $2)`,
		sourceSystem, externalEventKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("reconcile: check processed event: %w", err)
	}
	return exists, nil
}

// EnqueueEffect writes a transition effect to the transactional outbox.
func (l *PGLedger) EnqueueEffect(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("reconcile: marshal effect payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("reconcile: enqueue effect: %w", err)
	}
	return nil
}

// InsertAudit records an operator-initiated action against a contract.
func (l *PGLedger) InsertAudit(ctx context.Context, tx pgx.Tx, contractID, operatorID, action string, detail map[string]any) error {
	var body []byte
	if detail != nil {
		var err error
		body, err = json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("reconcile: marshal audit detail: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO audit_logs (contract_id, operator_id, action, detail)
        VALUES ($1::uuid, $2, $3, $4::jsonb)
    `, contractID, operatorID, action, body); err != nil {
		return fmt.Errorf("reconcile: insert audit: %w", err)
	}
	return nil
}
