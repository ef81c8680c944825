package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"careflow/contract"
	"careflow/reconcile"
)

// ResyncTarget is the provider-facing identity of a contract an operator
// asked to resync.
type ResyncTarget struct {
	ID              string
	ContractNumber  string
	EsignContractNo string
	SyncStatus      string
	PolicyRef       string
	Version         int64
}

// ResyncLookup fetches a resync target by contract number, joined with its
// open policy ref if one exists.
func (q *PGQueries) ResyncLookup(ctx context.Context, contractNumber string) (ResyncTarget, error) {
	var t ResyncTarget
	err := q.pool.QueryRow(ctx, `
        SELECT c.id::text, c.contract_number, COALESCE(c.esign_contract_no, ''),
               c.insurance_sync_status::text, COALESCE(p.agency_policy_ref, ''), c.version
        FROM contracts c
        LEFT JOIN insurance_policies p ON p.contract_id = c.id AND p.status = 'pending'
        WHERE c.contract_number = $1
    `, contractNumber).Scan(&t.ID, &t.ContractNumber, &t.EsignContractNo,
		&t.SyncStatus, &t.PolicyRef, &t.Version)
	if err != nil {
		return ResyncTarget{}, fmt.Errorf("poller: resync lookup %q: %w", contractNumber, err)
	}
	return t, nil
}

// Resync re-queries the providers for one contract on an operator's request
// and applies whatever they report now. The operator id rides on the events,
// so the reconciler clears the manual-review flag and writes the audit row
// in the same transaction as the state change.
func (p *Poller) Resync(ctx context.Context, contractNumber, operatorID string) error {
	if operatorID == "" {
		return fmt.Errorf("poller: resync requires an operator id")
	}

	target, err := p.queries.ResyncLookup(ctx, contractNumber)
	if err != nil {
		return err
	}

	if err := p.resyncEsign(ctx, target, operatorID); err != nil {
		return err
	}
	if target.PolicyRef != "" {
		return p.resyncInsurance(ctx, target, operatorID)
	}
	return nil
}

func (p *Poller) resyncEsign(ctx context.Context, target ResyncTarget, operatorID string) error {
	contractNo := target.EsignContractNo
	if contractNo == "" {
		contractNo = target.ContractNumber
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	result, err := p.esign.QueryStatus(callCtx, contractNo)
	cancel()
	if err != nil {
		return fmt.Errorf("poller: resync esign query for %q: %w", target.ContractNumber, err)
	}

	ev := reconcile.CanonicalEvent{
		SourceSystem: contract.SourceEsign,
		DedupKey:     fmt.Sprintf("resync:%s:%d", target.ContractNumber, time.Now().UnixNano()),
		EntityType:   reconcile.EntityContract,
		EntityKey:    target.ContractNumber,
		Kind:         contract.EventEsignStatus,
		ObservedAt:   time.Now().UTC(),
		OperatorID:   operatorID,
	}
	status, serr := contract.EsignStatusFromCode(result.Status)
	if serr != nil {
		ev.EsignStatus = contract.EsignStatus(fmt.Sprintf("code-%d", result.Status))
	} else {
		ev.EsignStatus = status
	}

	return absorbResync(p.proc.Process(ctx, ev))
}

func (p *Poller) resyncInsurance(ctx context.Context, target ResyncTarget, operatorID string) error {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	result, err := p.ins.QueryPolicy(callCtx, target.PolicyRef)
	cancel()
	if err != nil {
		return fmt.Errorf("poller: resync insurance query for %q: %w", target.ContractNumber, err)
	}

	ev, ok := insuranceEvent(StuckPolicy{
		ContractID:      target.ID,
		ContractNumber:  target.ContractNumber,
		AgencyPolicyRef: target.PolicyRef,
	}, result)
	if !ok {
		return nil
	}
	ev.DedupKey = fmt.Sprintf("resync:%s:%d", target.PolicyRef, time.Now().UnixNano())
	ev.OperatorID = operatorID

	return absorbResync(p.proc.Process(ctx, ev))
}

// absorbResync keeps no-op outcomes from reading as failures to the
// operator: a stale or duplicate result means the system already agrees
// with the provider.
func absorbResync(err error) error {
	if errors.Is(err, contract.ErrStaleEvent) || errors.Is(err, reconcile.ErrDuplicateEvent) {
		return nil
	}
	return err
}
