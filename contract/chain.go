package contract

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrAlreadyReplaced signals the contract already has a successor.
var ErrAlreadyReplaced = errors.New("contract: already replaced")

// ChainManager owns the replacement chain of linked contracts produced by
// replace-worker actions. Every operation touches exactly the documents it
// names inside one transaction.
type ChainManager struct {
	store *Store
}

func NewChainManager(store *Store) *ChainManager {
	return &ChainManager{store: store}
}

// CreateReplacement replaces oldContractID with a new contract in a single
// transaction: snapshot the old status, insert the successor, and mark the
// old contract replaced. The successor inherits the old contract's lifecycle
// state so the restore path is symmetric.
func (m *ChainManager) CreateReplacement(ctx context.Context, oldContractID string, params CreateParams) (Contract, error) {
	var created Contract
	err := m.store.WithTx(ctx, func(tx pgx.Tx) error {
		old, err := m.store.LockByID(ctx, tx, oldContractID)
		if err != nil {
			return err
		}
		if old.ReplacedByContractID != nil {
			return ErrAlreadyReplaced
		}
		switch old.ContractStatus {
		case StatusActive, StatusSigning:
			// replaceable
		default:
			return fmt.Errorf("%w: cannot replace a %s contract", ErrIllegalTransition, old.ContractStatus)
		}

		// The successor inherits both statuses: an active/signed predecessor
		// yields an active/signed successor that can request insurance sync,
		// a signing one keeps signing until the provider reports.
		inherited := old.ContractStatus
		inheritedEsign := old.EsignStatus
		created, err = m.store.CreateInTx(ctx, tx, params, &old.ID, &inherited, &inheritedEsign)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
            UPDATE contracts
            SET contract_status = 'replaced',
                status_before_replacement = $1::contract_status,
                replaced_by_contract_id = $2::uuid,
                version = version + 1,
                updated_at = get_tx_timestamp()
            WHERE id = $3
        `, old.ContractStatus, created.ID, old.ID)
		if err != nil {
			return fmt.Errorf("%w: mark replaced: %w", ErrChainWrite, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: old contract vanished mid-transaction", ErrChainWrite)
		}

		return enqueueOutbox(ctx, tx, "contract.replaced", map[string]any{
			"old_contract_id": old.ID,
			"new_contract_id": created.ID,
			"contract_number": created.ContractNumber,
		})
	})
	if err != nil {
		return Contract{}, err
	}
	return created, nil
}

// DeleteReplacement removes the tail contract of a chain and restores its
// predecessor to the status captured at replacement time. Deleting a non-tail
// contract is ambiguous and rejected with ErrInvalidChainDelete.
func (m *ChainManager) DeleteReplacement(ctx context.Context, contractID string) error {
	return m.store.WithTx(ctx, func(tx pgx.Tx) error {
		c, err := m.store.LockByID(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if c.ReplacedByContractID != nil {
			return ErrInvalidChainDelete
		}

		var predecessor *Contract
		pred, err := lockWhere(ctx, tx, `WHERE replaced_by_contract_id = $1`, contractID)
		switch {
		case err == nil:
			predecessor = &pred
		case errors.Is(err, ErrNotFound):
			// Standalone contract: nothing to restore.
		default:
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM insurance_policies WHERE contract_id = $1`, contractID); err != nil {
			return fmt.Errorf("%w: delete policies: %w", ErrChainWrite, err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM contracts WHERE id = $1`, contractID)
		if err != nil {
			return fmt.Errorf("%w: delete contract: %w", ErrChainWrite, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: contract vanished mid-transaction", ErrChainWrite)
		}

		payload := map[string]any{"deleted_contract_id": contractID}
		if predecessor != nil {
			restored := StatusActive
			if predecessor.StatusBeforeReplacement != nil {
				restored = *predecessor.StatusBeforeReplacement
			}
			tag, err := tx.Exec(ctx, `
                UPDATE contracts
                SET contract_status = $1::contract_status,
                    replaced_by_contract_id = NULL,
                    status_before_replacement = NULL,
                    version = version + 1,
                    updated_at = get_tx_timestamp()
                WHERE id = $2
            `, restored, predecessor.ID)
			if err != nil {
				return fmt.Errorf("%w: restore predecessor: %w", ErrChainWrite, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: predecessor vanished mid-transaction", ErrChainWrite)
			}
			payload["restored_contract_id"] = predecessor.ID
			payload["restored_status"] = string(restored)
		}

		return enqueueOutbox(ctx, tx, "contract.replacement_deleted", payload)
	})
}

// History returns a customer's contracts ordered newest chain first, each
// chain from its tail back to its origin. A cycle or a link shared between
// two successors indicates data corruption and yields ErrChainIntegrity
// instead of an endless traversal.
func (m *ChainManager) History(ctx context.Context, customerPhone string) ([]Contract, error) {
	rows, err := m.store.pool.Query(ctx, `
        SELECT `+contractColumns+`
        FROM contracts
        WHERE customer_phone = $1
        ORDER BY created_at DESC
    `, customerPhone)
	if err != nil {
		return nil, fmt.Errorf("contract: history query: %w", err)
	}
	defer rows.Close()

	var ordered []Contract
	byID := make(map[string]Contract)
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("contract: scan history row: %w", err)
		}
		ordered = append(ordered, c)
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate history: %w", err)
	}

	visited := make(map[string]bool, len(ordered))
	out := make([]Contract, 0, len(ordered))
	for _, c := range ordered {
		if visited[c.ID] {
			continue
		}
		if c.ReplacedByContractID != nil {
			if _, ok := byID[*c.ReplacedByContractID]; ok {
				continue // reached later from its successor
			}
		}
		// Walk from the chain tail back to its origin.
		cur := c
		for {
			if visited[cur.ID] {
				return nil, fmt.Errorf("%w: contract %s visited twice", ErrChainIntegrity, cur.ID)
			}
			visited[cur.ID] = true
			out = append(out, cur)
			if cur.ReplacesContractID == nil {
				break
			}
			prev, ok := byID[*cur.ReplacesContractID]
			if !ok {
				return nil, fmt.Errorf("%w: contract %s links to missing predecessor %s",
					ErrChainIntegrity, cur.ID, *cur.ReplacesContractID)
			}
			cur = prev
		}
	}
	return out, nil
}
