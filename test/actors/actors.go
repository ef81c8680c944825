package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func isDup(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Signer replays the same signed callback over and over: register the dedup
// key, then flip the contract signing -> active under the version guard.
// Only the first delivery may win; every later one must hit the unique
// constraint on processed_events or lose the version race.
func Signer(ctx context.Context, pool *pgxpool.Pool, contractID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("signer begin: %w", err)
		}
		key := fmt.Sprintf("stress-sign:%s", contractID)
		_, err = tx.Exec(ctx, `INSERT INTO processed_events (source_system, external_event_key) VALUES ('esign', $1)`, key)
		if err == nil {
			var version int64
			var status string
			err = tx.QueryRow(ctx, `SELECT version, contract_status::text FROM contracts WHERE id=$1 FOR UPDATE`, contractID).Scan(&version, &status)
			if err == nil && status == "signing" {
				_, _ = tx.Exec(ctx, `UPDATE contracts
                    SET contract_status='active', esign_status='signed',
                        last_event_at=now(), version=version+1, updated_at=now()
                    WHERE id=$1 AND version=$2`, contractID, version)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('contract.activated', jsonb_build_object('contract_id',$1))`, contractID)
			}
			_ = tx.Commit(ctx)
		} else if isDup(err) {
			_ = tx.Rollback(ctx)
		} else {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("signer dedup insert: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Replacer appends a replacement to the chain tail: lock the current tail,
// mark it replaced remembering its prior status, and insert the successor in
// the same transaction. Concurrent replacers collide on the row lock so at
// most one successor exists per predecessor.
func Replacer(ctx context.Context, pool *pgxpool.Pool, rootContractID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := replaceTail(ctx, pool, rootContractID); err != nil {
			return err
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

func replaceTail(ctx context.Context, pool *pgxpool.Pool, rootContractID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("replacer begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var tailID, number, status, esign string
	var version int64
	err = tx.QueryRow(ctx, `
        WITH RECURSIVE chain AS (
            SELECT id, contract_number, version, contract_status, esign_status,
                   replaced_by_contract_id, 1 AS depth
            FROM contracts WHERE id=$1
            UNION ALL
            SELECT c.id, c.contract_number, c.version, c.contract_status, c.esign_status,
                   c.replaced_by_contract_id, chain.depth+1
            FROM contracts c JOIN chain ON c.id = chain.replaced_by_contract_id
            WHERE chain.depth < 50
        )
        SELECT id, contract_number, version, contract_status::text, esign_status::text FROM chain
        WHERE replaced_by_contract_id IS NULL
        ORDER BY depth DESC LIMIT 1 FOR UPDATE`, rootContractID).Scan(&tailID, &number, &version, &status, &esign)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("replacer lock tail: %w", err)
	}

	// Successors inherit both statuses, same as the production chain manager.
	var newID string
	err = tx.QueryRow(ctx, `
        INSERT INTO contracts (contract_number, customer_id, customer_phone, worker_id,
                               contract_type, start_date, end_date, contract_status, esign_status,
                               replaces_contract_id)
        VALUES ($1, 'cust-stress', '13800000000', 'wkr-stress', 'standard',
                current_date, current_date + 365, $2::contract_status, $3::esign_status, $4)
        RETURNING id::text`, fmt.Sprintf("%s-R%d", number, rand.Int63()), status, esign, tailID).Scan(&newID)
	if err != nil {
		return fmt.Errorf("replacer insert successor: %w", err)
	}
	tag, err := tx.Exec(ctx, `
        UPDATE contracts
        SET status_before_replacement = contract_status,
            contract_status='replaced', replaced_by_contract_id=$1,
            version=version+1, updated_at=now()
        WHERE id=$2 AND version=$3 AND replaced_by_contract_id IS NULL`, newID, tailID, version)
	if err != nil {
		return fmt.Errorf("replacer mark predecessor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil // lost the race, roll everything back
	}
	return tx.Commit(ctx)
}

// Deleter tears the chain back down: lock the tail, restore its predecessor
// to the status it held before replacement, and delete the tail. Interleaves
// with Replacer to stress restore bookkeeping.
func Deleter(ctx context.Context, pool *pgxpool.Pool, rootContractID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := deleteTail(ctx, pool, rootContractID); err != nil {
			return err
		}
		time.Sleep(time.Duration(60+rand.Intn(80)) * time.Millisecond)
	}
}

func deleteTail(ctx context.Context, pool *pgxpool.Pool, rootContractID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("deleter begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var tailID string
	var predID *string
	err = tx.QueryRow(ctx, `
        WITH RECURSIVE chain AS (
            SELECT id, replaces_contract_id, replaced_by_contract_id, 1 AS depth
            FROM contracts WHERE id=$1
            UNION ALL
            SELECT c.id, c.replaces_contract_id, c.replaced_by_contract_id, chain.depth+1
            FROM contracts c JOIN chain ON c.id = chain.replaced_by_contract_id
            WHERE chain.depth < 50
        )
        SELECT id, replaces_contract_id::text FROM chain
        WHERE replaced_by_contract_id IS NULL AND depth > 1
        ORDER BY depth DESC LIMIT 1 FOR UPDATE`, rootContractID).Scan(&tailID, &predID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // chain is just the root, nothing to delete
		}
		return fmt.Errorf("deleter lock tail: %w", err)
	}
	if predID != nil {
		_, err = tx.Exec(ctx, `
            UPDATE contracts
            SET contract_status = COALESCE(status_before_replacement, 'active'),
                status_before_replacement = NULL,
                replaced_by_contract_id = NULL,
                version=version+1, updated_at=now()
            WHERE id=$1 AND replaced_by_contract_id=$2`, *predID, tailID)
		if err != nil {
			return fmt.Errorf("deleter restore predecessor: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM contracts WHERE id=$1`, tailID); err != nil {
		return fmt.Errorf("deleter delete tail: %w", err)
	}
	return tx.Commit(ctx)
}

// InsuranceSyncer opens a pending policy for the contract and later settles
// it, mirroring the request/callback pair. Settling marks the policy active
// and the contract synced in one transaction.
func InsuranceSyncer(ctx context.Context, pool *pgxpool.Pool, contractID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		ref := fmt.Sprintf("AP-STRESS-%d", rand.Int63())
		_, err := pool.Exec(ctx, `
            INSERT INTO insurance_policies (agency_policy_ref, contract_id, status)
            SELECT $1, $2, 'pending'
            WHERE NOT EXISTS (SELECT 1 FROM insurance_policies WHERE contract_id=$2 AND status='pending')`,
			ref, contractID)
		if err != nil && !isDup(err) {
			return fmt.Errorf("syncer open policy: %w", err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("syncer begin: %w", err)
		}
		var openRef string
		err = tx.QueryRow(ctx, `SELECT agency_policy_ref FROM insurance_policies
            WHERE contract_id=$1 AND status='pending' LIMIT 1 FOR UPDATE`, contractID).Scan(&openRef)
		if err == nil {
			_, _ = tx.Exec(ctx, `UPDATE insurance_policies
                SET status='active', policy_no='PN-'||$1, updated_at=now()
                WHERE agency_policy_ref=$1`, openRef)
			_, _ = tx.Exec(ctx, `UPDATE contracts
                SET insurance_sync_status='success', insurance_sync_error=NULL,
                    insurance_synced_at=now(), version=version+1, updated_at=now()
                WHERE id=$1`, contractID)
			_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('insurance.synced', jsonb_build_object('agency_policy_ref',$1))`, openRef)
			_ = tx.Commit(ctx)
		} else {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(50+rand.Intn(70)) * time.Millisecond)
	}
}

// OutboxWorker drains pending messages with SKIP LOCKED, randomly failing to
// exercise the attempts counter and the dead state.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("outbox begin: %w", err)
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY id LIMIT 10 FOR UPDATE SKIP LOCKED`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox
                    SET attempts=attempts+1,
                        status=CASE WHEN attempts+1 >= 5 THEN 'dead' ELSE status END,
                        last_error='stress failure'
                    WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', processed_at=now() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// Resyncer flags the contract for review then clears it with an audit row,
// the way an operator resync does.
func Resyncer(ctx context.Context, pool *pgxpool.Pool, contractID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = pool.Exec(ctx, `UPDATE contracts
            SET needs_manual_review=true, manual_review_reason='stress probe',
                version=version+1, updated_at=now()
            WHERE id=$1`, contractID)
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("resyncer begin: %w", err)
		}
		tag, err := tx.Exec(ctx, `UPDATE contracts
            SET needs_manual_review=false, manual_review_reason=NULL, updated_at=now()
            WHERE id=$1 AND needs_manual_review`, contractID)
		if err == nil && tag.RowsAffected() > 0 {
			_, _ = tx.Exec(ctx, `INSERT INTO audit_logs (contract_id, operator_id, action, detail)
                VALUES ($1, 'op-stress', 'manual_resync', '{}'::jsonb)`, contractID)
		}
		_ = tx.Commit(ctx)
		time.Sleep(200 * time.Millisecond)
	}
}
