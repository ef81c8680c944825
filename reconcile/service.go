package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"careflow/contract"
)

var (
	// ErrUnknownEntity signals the event references a contract or policy we
	// have no record of. Terminal: acknowledged but logged, never retried.
	ErrUnknownEntity = errors.New("reconcile: unknown entity")
	// ErrManualReview signals the event could not be applied and the
	// contract was flagged for operator inspection.
	ErrManualReview = errors.New("reconcile: flagged for manual review")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ContractStore is the data access the reconciler needs. *contract.Store
// satisfies it.
type ContractStore interface {
	LockByNumber(ctx context.Context, tx pgx.Tx, contractNumber string) (contract.Contract, error)
	LockByPolicyRef(ctx context.Context, tx pgx.Tx, agencyPolicyRef string) (contract.Contract, error)
	ApplyTransition(ctx context.Context, tx pgx.Tx, contractID string, m contract.Mutation, expectedVersion int64) error
	FlagManualReview(ctx context.Context, tx pgx.Tx, contractID, reason string) error
	ClearManualReview(ctx context.Context, tx pgx.Tx, contractID string) error
	CreatePolicy(ctx context.Context, tx pgx.Tx, contractID, agencyPolicyRef string, totalPremium *float64) (contract.InsurancePolicy, error)
	PendingPolicyRef(ctx context.Context, contractID string) (string, error)
	LatestPolicyRef(ctx context.Context, contractID string) (string, error)
	MarkPolicyActive(ctx context.Context, tx pgx.Tx, agencyPolicyRef string, issue contract.PolicyIssue) error
	MarkPolicyError(ctx context.Context, tx pgx.Tx, agencyPolicyRef, message string) error
}

// Reconciler is the single state-machine authority. Webhooks, the poller,
// and manual resyncs all feed Process; no other code path mutates a
// contract's lifecycle fields.
type Reconciler struct {
	pool   TxBeginner
	store  ContractStore
	ledger Ledger
}

func New(pool TxBeginner, store ContractStore, ledger Ledger) *Reconciler {
	return &Reconciler{pool: pool, store: store, ledger: ledger}
}

// Process applies one canonical event. The dedup row, the state mutation,
// the policy update, and the outbox effects commit in one transaction, so a
// transient failure leaves no trace and the provider's retry can redeliver.
//
// Absorbed conditions come back as sentinels the caller maps to an ack:
// ErrDuplicateEvent, contract.ErrStaleEvent, ErrUnknownEntity, and
// ErrManualReview. Anything else is transient and should not be acked.
func (r *Reconciler) Process(ctx context.Context, ev CanonicalEvent) error {
	if ev.EntityKey == "" {
		return fmt.Errorf("reconcile: missing entity key")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.ledger.InsertProcessedEvent(ctx, tx, ev.SourceSystem, ev.DedupKey); err != nil {
		return err
	}

	c, err := r.lockEntity(ctx, tx, ev)
	if err != nil {
		return err
	}

	if ev.ExpectedVersion > 0 && c.Version != ev.ExpectedVersion {
		// A fresher event landed while this poll result was in flight.
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("reconcile: commit stale drop: %w", err)
		}
		return fmt.Errorf("%w: version moved %d -> %d", contract.ErrStaleEvent, ev.ExpectedVersion, c.Version)
	}

	outcome, terr := contract.Transition(snapshot(c), ev.transitionEvent())
	if terr != nil {
		return r.absorbTransitionError(ctx, tx, c, ev, terr)
	}

	if outcome.Changed {
		if err := r.apply(ctx, tx, c, ev, outcome); err != nil {
			return err
		}
	}

	if ev.OperatorID != "" {
		if err := r.store.ClearManualReview(ctx, tx, c.ID); err != nil {
			return err
		}
		if err := r.ledger.InsertAudit(ctx, tx, c.ID, ev.OperatorID, "manual_resync", map[string]any{
			"event_kind": string(ev.Kind),
			"changed":    outcome.Changed,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reconcile: commit: %w", err)
	}
	return nil
}

func (r *Reconciler) lockEntity(ctx context.Context, tx pgx.Tx, ev CanonicalEvent) (contract.Contract, error) {
	var (
		c   contract.Contract
		err error
	)
	switch ev.EntityType {
	case EntityPolicy:
		c, err = r.store.LockByPolicyRef(ctx, tx, ev.EntityKey)
	default:
		c, err = r.store.LockByNumber(ctx, tx, ev.EntityKey)
	}
	if err != nil {
		if errors.Is(err, contract.ErrNotFound) {
			return contract.Contract{}, fmt.Errorf("%w: %s %q", ErrUnknownEntity, ev.EntityType, ev.EntityKey)
		}
		return contract.Contract{}, err
	}
	return c, nil
}

// absorbTransitionError commits the dedup row and converts logical failures
// into acknowledged sentinels. Stale events are discarded; illegal moves and
// unknown codes flag the contract for manual review, never a guess.
func (r *Reconciler) absorbTransitionError(ctx context.Context, tx pgx.Tx, c contract.Contract, ev CanonicalEvent, terr error) error {
	switch {
	case errors.Is(terr, contract.ErrStaleEvent):
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("reconcile: commit stale discard: %w", err)
		}
		log.Printf("reconcile: discarded stale event for contract %s: %v", c.ContractNumber, terr)
		return terr

	case errors.Is(terr, contract.ErrIllegalTransition), errors.Is(terr, contract.ErrUnknownStateCode):
		if err := r.store.FlagManualReview(ctx, tx, c.ID, terr.Error()); err != nil {
			return err
		}
		if err := r.ledger.EnqueueEffect(ctx, tx, "contract.manual_review", map[string]any{
			"contract_id":     c.ID,
			"contract_number": c.ContractNumber,
			"reason":          terr.Error(),
			"source_system":   ev.SourceSystem,
		}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("reconcile: commit manual review flag: %w", err)
		}
		return fmt.Errorf("%w: %v", ErrManualReview, terr)

	default:
		return terr
	}
}

func (r *Reconciler) apply(ctx context.Context, tx pgx.Tx, c contract.Contract, ev CanonicalEvent, outcome contract.Outcome) error {
	observed := ev.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	mutation := contract.Mutation{
		ContractStatus:      outcome.ContractStatus,
		EsignStatus:         outcome.EsignStatus,
		InsuranceSyncStatus: outcome.InsuranceSyncStatus,
		InsuranceSyncError:  outcome.InsuranceSyncError,
		SetSyncedAt:         outcome.SetSyncedAt,
		LastEventAt:         observed,
	}

	err := r.store.ApplyTransition(ctx, tx, c.ID, mutation, c.Version)
	if errors.Is(err, contract.ErrVersionConflict) {
		// Retry once against the now-current row; drop if the conflict
		// resolved to the same or a newer state.
		fresh, lockErr := r.store.LockByNumber(ctx, tx, c.ContractNumber)
		if lockErr != nil {
			return lockErr
		}
		redo, rerr := contract.Transition(snapshot(fresh), ev.transitionEvent())
		if rerr != nil || !redo.Changed {
			return fmt.Errorf("%w: lost reconcile race for %s", contract.ErrStaleEvent, c.ContractNumber)
		}
		mutation.ContractStatus = redo.ContractStatus
		mutation.EsignStatus = redo.EsignStatus
		mutation.InsuranceSyncStatus = redo.InsuranceSyncStatus
		mutation.InsuranceSyncError = redo.InsuranceSyncError
		mutation.SetSyncedAt = redo.SetSyncedAt
		outcome = redo
		err = r.store.ApplyTransition(ctx, tx, c.ID, mutation, fresh.Version)
	}
	if err != nil {
		return err
	}

	switch ev.Kind {
	case contract.EventInsuranceSuccess:
		if ev.Policy != nil {
			issue := contract.PolicyIssue{
				PolicyNo:      ev.Policy.PolicyNo,
				EffectiveDate: ev.Policy.EffectiveDate,
				ExpireDate:    ev.Policy.ExpireDate,
				PdfURL:        ev.Policy.PdfURL,
			}
			if err := r.store.MarkPolicyActive(ctx, tx, ev.EntityKey, issue); err != nil {
				return err
			}
		}
	case contract.EventInsuranceFailure:
		if ev.EntityType == EntityPolicy {
			if err := r.store.MarkPolicyError(ctx, tx, ev.EntityKey, ev.ErrorMessage); err != nil {
				return err
			}
		}
	}

	for _, effect := range outcome.Effects {
		payload := map[string]any{
			"contract_id":     c.ID,
			"contract_number": c.ContractNumber,
		}
		for k, v := range effect.Payload {
			payload[k] = v
		}
		if err := r.ledger.EnqueueEffect(ctx, tx, effect.Topic, payload); err != nil {
			return err
		}
	}
	return nil
}

// RequestInsuranceSync is the business action that starts insurance
// propagation for an active, signed contract. The policy row, the pending
// sync status, and the outbox effect commit together. It is idempotent: a
// second call returns the already-open AgencyPolicyRef.
func (r *Reconciler) RequestInsuranceSync(ctx context.Context, contractNumber string, totalPremium *float64) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("reconcile: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := r.store.LockByNumber(ctx, tx, contractNumber)
	if err != nil {
		return "", err
	}

	outcome, err := contract.Transition(snapshot(c), contract.Event{
		Kind:       contract.EventInsuranceSyncRequested,
		ObservedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	if !outcome.Changed {
		// Already requested or already synced. Answer with the open ref
		// while pending, or the issued one once the sync succeeded.
		if c.InsuranceSyncStatus == contract.SyncSuccess {
			return r.store.LatestPolicyRef(ctx, c.ID)
		}
		return r.store.PendingPolicyRef(ctx, c.ID)
	}

	ref := contract.NewAgencyPolicyRef()
	if _, err := r.store.CreatePolicy(ctx, tx, c.ID, ref, totalPremium); err != nil {
		return "", err
	}
	if err := r.store.ApplyTransition(ctx, tx, c.ID, contract.Mutation{
		ContractStatus:      outcome.ContractStatus,
		EsignStatus:         outcome.EsignStatus,
		InsuranceSyncStatus: outcome.InsuranceSyncStatus,
		LastEventAt:         time.Now().UTC(),
	}, c.Version); err != nil {
		return "", err
	}
	if err := r.ledger.EnqueueEffect(ctx, tx, contract.TopicInsuranceRequested, map[string]any{
		"contract_id":       c.ID,
		"contract_number":   c.ContractNumber,
		"agency_policy_ref": ref,
	}); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("reconcile: commit sync request: %w", err)
	}
	return ref, nil
}

func snapshot(c contract.Contract) contract.Snapshot {
	return contract.Snapshot{
		ContractStatus:      c.ContractStatus,
		EsignStatus:         c.EsignStatus,
		InsuranceSyncStatus: c.InsuranceSyncStatus,
	}
}
