package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrPolicyNotFound is returned when no policy row matches the reference.
	ErrPolicyNotFound = errors.New("contract: policy not found")
	// ErrDuplicatePolicyRef signals the AgencyPolicyRef is already in use.
	ErrDuplicatePolicyRef = errors.New("contract: duplicate agency policy ref")
)

const policyColumns = `
    id::text, agency_policy_ref, policy_no, status::text, contract_id::text,
    total_premium, effective_date, expire_date, policy_pdf_url, error_message,
    created_at, updated_at`

// NewAgencyPolicyRef generates the unique reference sent to the insurance
// provider. It doubles as the idempotency key for callbacks.
func NewAgencyPolicyRef() string {
	return "AP" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// CreatePolicy opens a pending policy row for a contract inside the caller's
// transaction. The sync-requested transition and the policy row commit together.
func (s *Store) CreatePolicy(ctx context.Context, tx pgx.Tx, contractID, agencyPolicyRef string, totalPremium *float64) (InsurancePolicy, error) {
	insertSQL := `
        INSERT INTO insurance_policies (agency_policy_ref, contract_id, total_premium)
        VALUES ($1, $2::uuid, $3)
        RETURNING ` + policyColumns

	p, err := scanPolicy(tx.QueryRow(ctx, insertSQL, agencyPolicyRef, contractID, totalPremium))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return InsurancePolicy{}, ErrDuplicatePolicyRef
		}
		return InsurancePolicy{}, fmt.Errorf("contract: insert policy: %w", err)
	}
	return p, nil
}

// GetPolicyByRef retrieves a policy by its AgencyPolicyRef.
func (s *Store) GetPolicyByRef(ctx context.Context, agencyPolicyRef string) (InsurancePolicy, error) {
	p, err := scanPolicy(s.pool.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM insurance_policies WHERE agency_policy_ref = $1`,
		agencyPolicyRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InsurancePolicy{}, ErrPolicyNotFound
		}
		return InsurancePolicy{}, fmt.Errorf("contract: get policy: %w", err)
	}
	return p, nil
}

// PendingPolicyRef returns the open AgencyPolicyRef for a contract, if any.
func (s *Store) PendingPolicyRef(ctx context.Context, contractID string) (string, error) {
	var ref string
	err := s.pool.QueryRow(ctx, `
        SELECT agency_policy_ref FROM insurance_policies
        WHERE contract_id = $1 AND status = 'pending'
        ORDER BY created_at DESC LIMIT 1
    `, contractID).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrPolicyNotFound
		}
		return "", fmt.Errorf("contract: pending policy ref: %w", err)
	}
	return ref, nil
}

// LatestPolicyRef returns the most recently opened AgencyPolicyRef for a
// contract regardless of status. Used to answer repeated sync requests after
// the policy already went active.
func (s *Store) LatestPolicyRef(ctx context.Context, contractID string) (string, error) {
	var ref string
	err := s.pool.QueryRow(ctx, `
        SELECT agency_policy_ref FROM insurance_policies
        WHERE contract_id = $1
        ORDER BY created_at DESC LIMIT 1
    `, contractID).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrPolicyNotFound
		}
		return "", fmt.Errorf("contract: latest policy ref: %w", err)
	}
	return ref, nil
}

// PolicyIssue carries the provider-confirmed details of an issued policy.
type PolicyIssue struct {
	PolicyNo      string
	EffectiveDate *time.Time
	ExpireDate    *time.Time
	PdfURL        *string
}

// MarkPolicyActive records a successful issue callback on the policy row.
func (s *Store) MarkPolicyActive(ctx context.Context, tx pgx.Tx, agencyPolicyRef string, issue PolicyIssue) error {
	tag, err := tx.Exec(ctx, `
        UPDATE insurance_policies
        SET status = 'active',
            policy_no = $1,
            effective_date = COALESCE($2, effective_date),
            expire_date = COALESCE($3, expire_date),
            policy_pdf_url = COALESCE($4, policy_pdf_url),
            error_message = NULL,
            updated_at = get_tx_timestamp()
        WHERE agency_policy_ref = $5
    `, issue.PolicyNo, issue.EffectiveDate, issue.ExpireDate, issue.PdfURL, agencyPolicyRef)
	if err != nil {
		return fmt.Errorf("contract: mark policy active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// MarkPolicyError records a failed issue attempt on the policy row.
func (s *Store) MarkPolicyError(ctx context.Context, tx pgx.Tx, agencyPolicyRef, message string) error {
	tag, err := tx.Exec(ctx, `
        UPDATE insurance_policies
        SET status = 'error',
            error_message = $1,
            updated_at = get_tx_timestamp()
        WHERE agency_policy_ref = $2
    `, message, agencyPolicyRef)
	if err != nil {
		return fmt.Errorf("contract: mark policy error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// SurrenderPolicy marks a policy surrendered and emits the notification
// effect in the same transaction.
func (s *Store) SurrenderPolicy(ctx context.Context, policyNo string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		var (
			ref        string
			contractID string
		)
		err := tx.QueryRow(ctx, `
            UPDATE insurance_policies
            SET status = 'surrendered', updated_at = get_tx_timestamp()
            WHERE policy_no = $1 AND status = 'active'
            RETURNING agency_policy_ref, contract_id::text
        `, policyNo).Scan(&ref, &contractID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPolicyNotFound
			}
			return fmt.Errorf("contract: surrender policy: %w", err)
		}
		return enqueueOutbox(ctx, tx, "insurance.policy_surrendered", map[string]any{
			"contract_id":       contractID,
			"policy_no":         policyNo,
			"agency_policy_ref": ref,
		})
	})
}

func scanPolicy(row pgx.Row) (InsurancePolicy, error) {
	var (
		p      InsurancePolicy
		status string
	)
	err := row.Scan(
		&p.ID, &p.AgencyPolicyRef, &p.PolicyNo, &status, &p.ContractID,
		&p.TotalPremium, &p.EffectiveDate, &p.ExpireDate, &p.PolicyPdfURL,
		&p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return InsurancePolicy{}, err
	}
	p.Status = PolicyStatus(status)
	return p, nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("contract: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("contract: enqueue outbox: %w", err)
	}
	return nil
}
