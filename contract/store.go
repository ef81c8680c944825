package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const contractColumns = `
    id::text, contract_number, customer_id, customer_phone, worker_id,
    contract_type, start_date, end_date, contract_status::text,
    esign_contract_no, esign_status::text, insurance_sync_status::text,
    insurance_sync_error, insurance_synced_at, replaces_contract_id::text,
    replaced_by_contract_id::text, status_before_replacement::text,
    needs_manual_review, manual_review_reason, last_event_at, version,
    created_at, updated_at`

// Store is the persistence layer for contracts and their policies. Reads run
// against the pool; mutations compose inside caller transactions so webhook,
// poll, and chain operations stay all-or-nothing.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx runs fn inside a single transaction, committing only if fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contract: commit tx: %w", err)
	}
	return nil
}

// CreateParams enumerates the fields required to open a draft contract.
type CreateParams struct {
	ContractNumber string
	CustomerID     string
	CustomerPhone  string
	WorkerID       string
	ContractType   string
	StartDate      time.Time
	EndDate        time.Time
}

func (p CreateParams) validate() error {
	if p.ContractNumber == "" {
		return fmt.Errorf("contract: contract number required")
	}
	if p.CustomerID == "" || p.WorkerID == "" {
		return fmt.Errorf("contract: customer and worker ids required")
	}
	if p.CustomerPhone == "" {
		return fmt.Errorf("contract: customer phone required")
	}
	if p.ContractType == "" {
		return fmt.Errorf("contract: contract type required")
	}
	if p.EndDate.Before(p.StartDate) {
		return fmt.Errorf("contract: end date before start date")
	}
	return nil
}

// Create inserts a new contract in draft state.
func (s *Store) Create(ctx context.Context, params CreateParams) (Contract, error) {
	if err := params.validate(); err != nil {
		return Contract{}, err
	}
	return s.insert(ctx, s.pool, params, nil, nil, nil)
}

// CreateInTx inserts a contract inside the caller's transaction, optionally
// linking it to the contract it replaces. The chain manager passes the
// predecessor's lifecycle and esign statuses so the successor starts in a
// state the transition table can service; insurance sync fields start at
// their fresh-row defaults either way.
func (s *Store) CreateInTx(ctx context.Context, tx pgx.Tx, params CreateParams, replacesID *string, status *ContractStatus, esign *EsignStatus) (Contract, error) {
	if err := params.validate(); err != nil {
		return Contract{}, err
	}
	return s.insert(ctx, tx, params, replacesID, status, esign)
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) insert(ctx context.Context, q queryer, params CreateParams, replacesID *string, status *ContractStatus, esign *EsignStatus) (Contract, error) {
	st := StatusDraft
	if status != nil {
		st = *status
	}
	es := EsignPending
	if esign != nil {
		es = *esign
	}
	insertSQL := `
        INSERT INTO contracts
            (contract_number, customer_id, customer_phone, worker_id,
             contract_type, start_date, end_date, contract_status, esign_status,
             insurance_sync_status, replaces_contract_id)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8::contract_status,$9::esign_status,'none',$10::uuid)
        RETURNING ` + contractColumns

	c, err := scanContract(q.QueryRow(ctx, insertSQL,
		params.ContractNumber,
		params.CustomerID,
		params.CustomerPhone,
		params.WorkerID,
		params.ContractType,
		params.StartDate,
		params.EndDate,
		st,
		es,
		replacesID,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Contract{}, ErrDuplicateNumber
		}
		return Contract{}, fmt.Errorf("contract: insert: %w", err)
	}
	return c, nil
}

// GetByNumber retrieves a contract by its externally visible number.
func (s *Store) GetByNumber(ctx context.Context, contractNumber string) (Contract, error) {
	return s.get(ctx, `WHERE contract_number = $1`, contractNumber)
}

// GetByID retrieves a contract by primary key.
func (s *Store) GetByID(ctx context.Context, id string) (Contract, error) {
	return s.get(ctx, `WHERE id = $1`, id)
}

func (s *Store) get(ctx context.Context, where string, arg any) (Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: get: %w", err)
	}
	return c, nil
}

// LockByID loads a contract under FOR UPDATE inside the caller's transaction.
func (s *Store) LockByID(ctx context.Context, tx pgx.Tx, id string) (Contract, error) {
	return lockWhere(ctx, tx, `WHERE id = $1`, id)
}

// LockByNumber loads a contract by number under FOR UPDATE.
func (s *Store) LockByNumber(ctx context.Context, tx pgx.Tx, contractNumber string) (Contract, error) {
	return lockWhere(ctx, tx, `WHERE contract_number = $1`, contractNumber)
}

// LockByPolicyRef resolves the contract behind an AgencyPolicyRef and locks it.
func (s *Store) LockByPolicyRef(ctx context.Context, tx pgx.Tx, agencyPolicyRef string) (Contract, error) {
	return lockWhere(ctx, tx,
		`WHERE id = (SELECT contract_id FROM insurance_policies WHERE agency_policy_ref = $1)`,
		agencyPolicyRef)
}

func lockWhere(ctx context.Context, tx pgx.Tx, where string, arg any) (Contract, error) {
	c, err := scanContract(tx.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts `+where+` FOR UPDATE`, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: lock: %w", err)
	}
	return c, nil
}

// Mutation is the field set a transition writes back.
type Mutation struct {
	ContractStatus      ContractStatus
	EsignStatus         EsignStatus
	InsuranceSyncStatus InsuranceSyncStatus
	InsuranceSyncError  *string
	SetSyncedAt         bool
	LastEventAt         time.Time
}

// ApplyTransition writes a mutation guarded by the optimistic version token.
// It returns ErrVersionConflict when expectedVersion is stale; every
// successful write bumps version and updated_at.
func (s *Store) ApplyTransition(ctx context.Context, tx pgx.Tx, contractID string, m Mutation, expectedVersion int64) error {
	tag, err := tx.Exec(ctx, `
        UPDATE contracts
        SET contract_status = $1::contract_status,
            esign_status = $2::esign_status,
            insurance_sync_status = $3::insurance_sync_status,
            insurance_sync_error = $4,
            insurance_synced_at = CASE WHEN $5 THEN get_tx_timestamp() ELSE insurance_synced_at END,
            last_event_at = $6,
            version = version + 1,
            updated_at = get_tx_timestamp()
        WHERE id = $7 AND version = $8
    `, m.ContractStatus, m.EsignStatus, m.InsuranceSyncStatus, m.InsuranceSyncError,
		m.SetSyncedAt, m.LastEventAt, contractID, expectedVersion)
	if err != nil {
		return fmt.Errorf("contract: apply transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// FlagManualReview marks a contract for operator inspection without touching
// its lifecycle state.
func (s *Store) FlagManualReview(ctx context.Context, tx pgx.Tx, contractID, reason string) error {
	if _, err := tx.Exec(ctx, `
        UPDATE contracts
        SET needs_manual_review = true,
            manual_review_reason = $1,
            version = version + 1,
            updated_at = get_tx_timestamp()
        WHERE id = $2
    `, reason, contractID); err != nil {
		return fmt.Errorf("contract: flag manual review: %w", err)
	}
	return nil
}

// ClearManualReview resets the review marker after an operator resync.
func (s *Store) ClearManualReview(ctx context.Context, tx pgx.Tx, contractID string) error {
	if _, err := tx.Exec(ctx, `
        UPDATE contracts
        SET needs_manual_review = false,
            manual_review_reason = NULL,
            updated_at = get_tx_timestamp()
        WHERE id = $1
    `, contractID); err != nil {
		return fmt.Errorf("contract: clear manual review: %w", err)
	}
	return nil
}

// ListManualReview returns the contracts waiting on operator attention,
// oldest event first so the longest-stuck surface at the top of the queue.
func (s *Store) ListManualReview(ctx context.Context, limit int) ([]Contract, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
        SELECT `+contractColumns+`
        FROM contracts
        WHERE needs_manual_review
        ORDER BY updated_at ASC
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("contract: list manual review: %w", err)
	}
	defer rows.Close()

	var out []Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("contract: scan review row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate review rows: %w", err)
	}
	return out, nil
}

// SetEsignContractNo records the provider-side contract identifier.
func (s *Store) SetEsignContractNo(ctx context.Context, contractID, esignContractNo string) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE contracts
        SET esign_contract_no = $1, updated_at = get_tx_timestamp()
        WHERE id = $2
    `, esignContractNo, contractID)
	if err != nil {
		return fmt.Errorf("contract: set esign contract no: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanContract(row pgx.Row) (Contract, error) {
	var (
		c          Contract
		status     string
		esign      string
		sync       string
		beforeRepl *string
	)
	err := row.Scan(
		&c.ID, &c.ContractNumber, &c.CustomerID, &c.CustomerPhone, &c.WorkerID,
		&c.ContractType, &c.StartDate, &c.EndDate, &status,
		&c.EsignContractNo, &esign, &sync,
		&c.InsuranceSyncError, &c.InsuranceSyncedAt, &c.ReplacesContractID,
		&c.ReplacedByContractID, &beforeRepl,
		&c.NeedsManualReview, &c.ManualReviewReason, &c.LastEventAt, &c.Version,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Contract{}, err
	}
	c.ContractStatus = ContractStatus(status)
	c.EsignStatus = EsignStatus(esign)
	c.InsuranceSyncStatus = InsuranceSyncStatus(sync)
	if beforeRepl != nil {
		st := ContractStatus(*beforeRepl)
		c.StatusBeforeReplacement = &st
	}
	return c, nil
}
