package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run between actor batches. Each query must
// return zero rows on a healthy database; any row is a violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_successor",
			SQL: `SELECT replaces_contract_id, COUNT(*) FROM contracts
                  WHERE replaces_contract_id IS NOT NULL
                  GROUP BY replaces_contract_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_replaced_needs_successor",
			SQL: `SELECT c.id FROM contracts c
                  WHERE c.contract_status = 'replaced'
                    AND (c.replaced_by_contract_id IS NULL
                         OR NOT EXISTS (SELECT 1 FROM contracts s WHERE s.id = c.replaced_by_contract_id))`,
		},
		{
			Name: "O3_live_contract_not_superseded",
			SQL: `SELECT id FROM contracts
                  WHERE contract_status IN ('active','signing')
                    AND replaced_by_contract_id IS NOT NULL`,
		},
		{
			Name: "O4_chain_acyclic",
			SQL: `WITH RECURSIVE walk AS (
                      SELECT id AS start_id, replaced_by_contract_id AS next_id, 1 AS depth
                      FROM contracts WHERE replaced_by_contract_id IS NOT NULL
                      UNION ALL
                      SELECT w.start_id, c.replaced_by_contract_id, w.depth + 1
                      FROM walk w JOIN contracts c ON c.id = w.next_id
                      WHERE w.depth < 100 AND w.next_id IS NOT NULL
                  )
                  SELECT start_id FROM walk WHERE next_id = start_id OR depth >= 100`,
		},
		{
			Name: "O5_active_implies_signed",
			SQL: `SELECT id FROM contracts
                  WHERE contract_status = 'active' AND esign_status <> 'signed'`,
		},
		{
			Name: "O6_policy_contract_agree",
			SQL: `SELECT p.agency_policy_ref FROM insurance_policies p
                  JOIN contracts c ON c.id = p.contract_id
                  WHERE p.status = 'active' AND c.insurance_sync_status <> 'success'`,
		},
		{
			Name: "O7_outbox_terminal_states",
			SQL: `SELECT id FROM outbox
                  WHERE (status = 'processed' AND processed_at IS NULL)
                     OR (status = 'dead' AND attempts < 5)
                     OR (status = 'pending' AND now() - created_at > interval '5 minutes')`,
		},
		{
			Name: "O8_version_floor",
			SQL:  `SELECT id FROM contracts WHERE version < 1 OR updated_at < created_at`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
