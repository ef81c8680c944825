package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// StuckContract is a contract stuck in signing beyond the threshold.
type StuckContract struct {
	ID              string
	ContractNumber  string
	EsignContractNo string
	Version         int64
}

// StuckPolicy is a pending insurance sync beyond the threshold.
type StuckPolicy struct {
	ContractID      string
	ContractNumber  string
	AgencyPolicyRef string
	Version         int64
}

// PGQueries is the PostgreSQL implementation of Queries.
type PGQueries struct {
	pool *pgxpool.Pool
}

func NewQueries(pool *pgxpool.Pool) *PGQueries {
	return &PGQueries{pool: pool}
}

// StuckSigning returns contracts still signing with no event for olderThan.
func (q *PGQueries) StuckSigning(ctx context.Context, olderThan time.Duration, limit int) ([]StuckContract, error) {
	rows, err := q.pool.Query(ctx, `
        SELECT id::text, contract_number, COALESCE(esign_contract_no, ''), version
        FROM contracts
        WHERE contract_status = 'signing'
          AND updated_at < now() - $1::interval
        ORDER BY updated_at
        LIMIT $2
    `, olderThan.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("poller: select stuck signing: %w", err)
	}
	defer rows.Close()

	var out []StuckContract
	for rows.Next() {
		var c StuckContract
		if err := rows.Scan(&c.ID, &c.ContractNumber, &c.EsignContractNo, &c.Version); err != nil {
			return nil, fmt.Errorf("poller: scan stuck signing: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("poller: iterate stuck signing: %w", err)
	}
	return out, nil
}

// StuckInsurance returns contracts whose insurance sync has been pending
// for olderThan, together with their open AgencyPolicyRef.
func (q *PGQueries) StuckInsurance(ctx context.Context, olderThan time.Duration, limit int) ([]StuckPolicy, error) {
	rows, err := q.pool.Query(ctx, `
        SELECT c.id::text, c.contract_number, p.agency_policy_ref, c.version
        FROM contracts c
        JOIN insurance_policies p ON p.contract_id = c.id AND p.status = 'pending'
        WHERE c.insurance_sync_status = 'pending'
          AND c.updated_at < now() - $1::interval
        ORDER BY c.updated_at
        LIMIT $2
    `, olderThan.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("poller: select stuck insurance: %w", err)
	}
	defer rows.Close()

	var out []StuckPolicy
	for rows.Next() {
		var p StuckPolicy
		if err := rows.Scan(&p.ContractID, &p.ContractNumber, &p.AgencyPolicyRef, &p.Version); err != nil {
			return nil, fmt.Errorf("poller: scan stuck insurance: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("poller: iterate stuck insurance: %w", err)
	}
	return out, nil
}

// MarkEsignPollFailed flags a contract after esign poll retries are
// exhausted so it is not left silently stale.
func (q *PGQueries) MarkEsignPollFailed(ctx context.Context, contractID, message string) error {
	if _, err := q.pool.Exec(ctx, `
        UPDATE contracts
        SET needs_manual_review = true,
            manual_review_reason = $1,
            updated_at = get_tx_timestamp()
        WHERE id = $2
    `, message, contractID); err != nil {
		return fmt.Errorf("poller: mark esign poll failed: %w", err)
	}
	return nil
}
